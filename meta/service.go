package meta

import "context"

// Callback receives the result of a read or watch delivery: err is nil
// on success (an EtcdError or Invalid *Error otherwise), ops is the
// filtered, namespace-relative batch of mutations, and rev is the
// revision the batch (or snapshot) is pinned to. Callback is always
// invoked by posting onto a Dispatcher, never inline.
type Callback func(err error, ops []Op, rev uint64)

// CommitCallback receives the result of CommitUpdates: the revision of
// the last chunk attempted, whether it succeeded or not.
type CommitCallback func(err error, rev uint64)

// LockCallback receives the result of RequestLock.
type LockCallback func(err error, lock *Lock)

// Service is the meta-coordination contract every backing-store
// implementation satisfies: a strongly-consistent namespace projected
// as a snapshot plus an ordered delta stream, mutated through bounded
// transactions, arbitrated through distributed locks.
type Service interface {
	// RequestAll takes a full snapshot under prefix, pinned to one
	// backing-store revision. baseRev is accepted for symmetry with
	// callers that coordinate snapshot/watch handoff; implementations
	// must not invent semantics for it.
	RequestAll(ctx context.Context, prefix string, baseRev uint64, cb Callback)

	// RequestUpdates delivers a single catch-up batch starting at
	// sinceRev+1, then terminates. It bridges the gap between a
	// snapshot taken at sinceRev and a live watch that must resume at
	// sinceRev+1.
	RequestUpdates(ctx context.Context, prefix string, sinceRev uint64, cb Callback)

	// CommitUpdates serializes changes into one or more bounded
	// transactions. All but the last chunk are awaited synchronously
	// in input order; the last chunk completes asynchronously and
	// drives cb. A failing intermediate chunk aborts the remainder
	// without rolling back chunks that already succeeded.
	CommitUpdates(ctx context.Context, changes []Op, cb CommitCallback)

	// RequestLock acquires namespace_prefix+name at the backing store
	// and hands back a Lock whose release is guaranteed on every exit
	// path. site identifies the acquisition call site for diagnostics.
	RequestLock(ctx context.Context, name, site string, cb LockCallback)

	// StartDaemonWatch begins the long-lived, self-reconnecting
	// subscription described by the Disconnected/Subscribing/
	// Watching/BackingOff/Stopped state machine. It starts at sinceRev+1
	// and, after every reconnect, resumes one past the last revision it
	// delivered.
	StartDaemonWatch(ctx context.Context, prefix string, sinceRev uint64, cb Callback) error

	// Probe performs a point read of a known key as a readiness check.
	Probe(ctx context.Context) error

	// Stop tears down the daemon watch, cancels any pending backoff
	// timer, and terminates any backing-store child process this
	// instance owns. Stop is idempotent.
	Stop() error
}
