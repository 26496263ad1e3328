package meta

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Unlocker is the narrow capability a Lock needs from whatever acquired
// it: release a previously-acquired lock token and report the revision
// at which the release landed. A Lock holds an Unlocker, never the full
// meta service, so the lock's own lifetime never drags the service's
// entire surface into the release closure's capture set.
type Unlocker interface {
	Unlock(ctx context.Context, lockKey []byte) (rev uint64, err error)
}

// Lock is a scoped handle to a cluster-wide critical section. Its
// release is idempotent: exactly one call to Release (or the automatic
// release triggered if the handle is dropped unreleased) reaches the
// backing store. Every subsequent call returns an Invalid status
// without touching the network.
type Lock struct {
	rev      uint64
	lockKey  []byte
	site     string
	unlocker Unlocker
	logger   *zap.Logger

	released    atomic.Bool
	requestedAt time.Time
	acquiredAt  time.Time
}

// NewLock constructs a held lock. site is the caller-supplied
// acquisition identifier (or a captured stack frame) surfaced in
// double-release and long-hold diagnostics.
func NewLock(unlocker Unlocker, lockKey []byte, rev uint64, site string, requestedAt, acquiredAt time.Time, logger *zap.Logger) *Lock {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Lock{
		rev:         rev,
		lockKey:     lockKey,
		site:        site,
		unlocker:    unlocker,
		logger:      logger,
		requestedAt: requestedAt,
		acquiredAt:  acquiredAt,
	}
	runtime.SetFinalizer(l, finalizeLock)
	return l
}

// Rev returns the revision at which the lock was acquired.
func (l *Lock) Rev() uint64 { return l.rev }

// Released reports whether Release has already been called, explicitly
// or via automatic cleanup. It turns true at the start of the first
// call, before the backing-store unlock completes.
func (l *Lock) Released() bool { return l.released.Load() }

// Release unlocks the underlying backing-store lock on its first call.
// Every call after the first is a hard Invalid error and never contacts
// the backing store. Callers that want the post-release revision must
// call Release explicitly; the automatic drop-time release discards it.
func (l *Lock) Release(ctx context.Context) (uint64, error) {
	if !l.released.CAS(false, true) {
		l.logger.Error("double unlock", zap.String("site", l.site))
		return 0, Invalid("double unlock")
	}
	runtime.SetFinalizer(l, nil)

	releasedAt := time.Now()
	rev, err := l.unlocker.Unlock(ctx, l.lockKey)

	wait := l.acquiredAt.Sub(l.requestedAt)
	hold := releasedAt.Sub(l.acquiredAt)
	if wait+hold > time.Second {
		l.logger.Info("lock held past 1s",
			zap.String("site", l.site),
			zap.Duration("wait", wait),
			zap.Duration("hold", hold))
	}
	if err != nil {
		l.logger.Error("unlock failed", zap.String("site", l.site), zap.Error(err))
	}
	return rev, err
}

// finalizeLock is the scope-exit guarantee a destructor would give this
// type in a language with deterministic destruction: if a Lock is
// garbage collected without ever being released, it is released now,
// and the failure to release it explicitly is logged at ERROR so the
// leak is visible.
func finalizeLock(l *Lock) {
	if l.released.Load() {
		return
	}
	l.logger.Error("lock dropped without explicit release", zap.String("site", l.site))
	_, _ = l.Release(context.Background())
}
