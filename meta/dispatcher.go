package meta

import "context"

// Dispatcher is the server-provided serial execution context every
// public operation posts its completion onto. Backing-store I/O runs on
// whatever worker pool the adapter uses; completions are always posted
// here, never invoked inline, so callers see a cooperative single-
// threaded model regardless of how parallel the I/O underneath is.
//
// A Dispatcher is a single-threaded, asio-style message loop: one
// goroutine drains it, so anything posted onto it runs with the same
// absence-of-races a callback-per-io_context::post design gives you,
// without needing an actual event-loop library.
type Dispatcher struct {
	tasks chan func()
}

// NewDispatcher creates a Dispatcher with the given pending-task buffer.
// A buffer of 0 is fine; it just means Post blocks until Run is pumping.
func NewDispatcher(buffer int) *Dispatcher {
	return &Dispatcher{tasks: make(chan func(), buffer)}
}

// Post enqueues fn to run on the dispatcher's goroutine. Post never runs
// fn inline, even if called from the dispatcher's own goroutine: the
// "posted, never inline" guarantee is unconditional.
//
// Post is a no-op once ctx is done, so a completion racing a torn-down
// server context is dropped rather than blocking forever on a dispatcher
// nobody is draining anymore.
func (d *Dispatcher) Post(ctx context.Context, fn func()) {
	if ctx.Err() != nil {
		return
	}
	select {
	case d.tasks <- fn:
	case <-ctx.Done():
	}
}

// Run drains posted tasks in the order they were posted until ctx is
// done. Exactly one goroutine should call Run for a given Dispatcher.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case fn := <-d.tasks:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
