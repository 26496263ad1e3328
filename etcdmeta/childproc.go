package etcdmeta

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ChildProcess is a scoped, idempotently-terminable handle on an
// embedded backing-store process a Service may own outright (as
// opposed to connecting to one already running elsewhere). Stop calls
// Terminate exactly once regardless of how many times Stop itself is
// called.
type ChildProcess interface {
	Terminate() error
}

// execChildProcess wraps an *exec.Cmd already started by the caller.
// It sends SIGTERM and waits up to GracePeriod for exit before
// escalating to SIGKILL, matching the shutdown sequence a supervised
// etcd instance would expect.
type execChildProcess struct {
	cmd         *exec.Cmd
	GracePeriod time.Duration

	mu   sync.Mutex
	done bool
	err  error
}

// NewExecChildProcess wraps a started command. cmd.Process must be
// non-nil, i.e. cmd.Start must already have succeeded.
func NewExecChildProcess(cmd *exec.Cmd) *execChildProcess {
	return &execChildProcess{cmd: cmd, GracePeriod: 5 * time.Second}
}

func (p *execChildProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return p.err
	}
	p.done = true

	if p.cmd.Process == nil {
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.err = err
		return p.err
	}

	// Wait's own error is not reported: an exit triggered by our own
	// SIGTERM/SIGKILL is an expected nonzero exit, not a failure to
	// terminate.
	waitDone := make(chan struct{})
	go func() { p.cmd.Wait(); close(waitDone) }()

	select {
	case <-waitDone:
	case <-time.After(p.GracePeriod):
		_ = p.cmd.Process.Kill()
		<-waitDone
	}
	return nil
}
