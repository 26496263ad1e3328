package etcdmeta

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lattice-db/metacore/meta"
)

// daemonState is the Disconnected/Subscribing/Watching/BackingOff/
// Stopped state machine the daemon watch cycles through as it
// subscribes, loses its subscription, and reconnects.
type daemonState int32

const (
	stateDisconnected daemonState = iota
	stateSubscribing
	stateWatching
	stateBackingOff
	stateStopped
)

// Service implements meta.Service against an Adapter. It owns the
// daemon-watch reconnection loop and the transaction-chunking protocol;
// both are internal to this type and never surfaced to callers beyond
// the meta.Service contract.
type Service struct {
	cfg        Config
	adapter    Adapter
	dispatcher *meta.Dispatcher
	// serverCtx bounds how long completions are willing to wait to be
	// posted. It outlives any single request's context, matching the
	// spec's requirement that in-flight completions may fire after a
	// caller's own context is gone.
	serverCtx context.Context

	childProc ChildProcess

	reducerMu sync.Mutex
	reducer   *meta.Reducer

	daemonMu     sync.Mutex
	daemonState  daemonState
	daemonCancel context.CancelFunc
	backoffTimer *time.Timer
	daemonDone   chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewService wires a Service against adapter. serverCtx should live for
// as long as the caller intends to keep posting completions; dispatcher
// must have a goroutine running Dispatcher.Run(serverCtx) for callbacks
// to ever fire.
func NewService(cfg Config, adapter Adapter, dispatcher *meta.Dispatcher, serverCtx context.Context) *Service {
	cfg.setDefaults()
	return &Service{
		cfg:        cfg,
		adapter:    adapter,
		dispatcher: dispatcher,
		serverCtx:  serverCtx,
		reducer:    meta.NewReducer(0),
		stopCh:     make(chan struct{}),
	}
}

// Open dials etcd per cfg and returns a ready Service. Callers that
// already have an Adapter (e.g. a test fake) should use NewService
// directly instead.
func Open(cfg Config, dispatcher *meta.Dispatcher, serverCtx context.Context) (*Service, error) {
	adapter, err := newEtcdAdapter(cfg)
	if err != nil {
		return nil, err
	}
	return NewService(cfg, adapter, dispatcher, serverCtx), nil
}

// SetChildProcess registers an embedded backing-store process this
// instance owns. Stop terminates it after tearing down the watch.
func (s *Service) SetChildProcess(p ChildProcess) {
	s.childProc = p
}

func (s *Service) post(fn func()) {
	s.dispatcher.Post(s.serverCtx, fn)
}

func (s *Service) fullPrefix(prefix string) string {
	return s.cfg.Prefix + prefix
}

// stripPrefix strips the namespace prefix from a fully-qualified key,
// dropping it entirely (returning ok=false) if it isn't actually rooted
// under the namespace. Grounded on the same garbage-key filter the
// watch handler applies.
func (s *Service) stripPrefix(key string) (string, bool) {
	if !strings.HasPrefix(key, s.cfg.Prefix+"/") {
		return "", false
	}
	return strings.TrimPrefix(key, s.cfg.Prefix), true
}

// RequestAll takes a full snapshot under prefix, pinned to the
// response's own revision rather than any individual key's modification
// revision: the entire snapshot is one point in time.
func (s *Service) RequestAll(ctx context.Context, prefix string, _ uint64, cb meta.Callback) {
	full := s.fullPrefix(prefix)
	go func() {
		kvs, rev, err := s.adapter.Range(ctx, full)
		if err != nil {
			s.post(func() { cb(err, nil, rev) })
			return
		}
		ops := make([]meta.Op, 0, len(kvs))
		for _, kv := range kvs {
			opKey, ok := s.stripPrefix(kv.Key)
			if !ok {
				continue
			}
			ops = append(ops, meta.Op{Type: meta.Put, Key: opKey, Value: kv.Value, Rev: rev})
		}
		s.post(func() { cb(nil, ops, rev) })
	}()
}

// RequestUpdates delivers exactly one catch-up batch starting at
// sinceRev+1, then terminates its underlying watch.
func (s *Service) RequestUpdates(ctx context.Context, prefix string, sinceRev uint64, cb meta.Callback) {
	full := s.fullPrefix(prefix)
	watchCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer cancel()
		ch, err := s.adapter.Watch(watchCtx, full, sinceRev+1)
		if err != nil {
			s.post(func() { cb(err, nil, sinceRev) })
			return
		}
		handler := newWatchHandler(s.cfg.Prefix, s.cfg.SyncLockPrefix)
		select {
		case batch, ok := <-ch:
			if !ok {
				s.post(func() { cb(nil, nil, sinceRev) })
				return
			}
			err2, ops, rev := handler.translate(batch)
			s.post(func() { cb(err2, ops, rev) })
		case <-ctx.Done():
			s.post(func() { cb(ctx.Err(), nil, sinceRev) })
		}
	}()
}

// Bootstrap takes a full snapshot the first time it is called (when
// this Service has not yet observed any revision) and an incremental
// catch-up afterward, so a host doesn't have to track "have I already
// snapshotted" itself.
func (s *Service) Bootstrap(ctx context.Context, prefix string, cb meta.Callback) {
	s.reducerMu.Lock()
	rev := s.reducer.Rev()
	s.reducerMu.Unlock()

	if rev == 0 {
		s.RequestAll(ctx, prefix, 0, func(err error, ops []meta.Op, newRev uint64) {
			if err == nil {
				s.reducerMu.Lock()
				s.reducer = meta.NewReducer(newRev)
				s.reducerMu.Unlock()
			}
			cb(err, ops, newRev)
		})
		return
	}

	s.RequestUpdates(ctx, prefix, rev, func(err error, ops []meta.Op, newRev uint64) {
		if err == nil {
			s.reducerMu.Lock()
			ops = s.reducer.Advance(ops)
			s.reducerMu.Unlock()
		}
		cb(err, ops, newRev)
	})
}

// Start probes the backing store, then bootstraps. A probe failure is
// returned as-is; a bootstrap failure after a successful probe is
// wrapped in ErrStartupAborted, since it is a strictly worse and less
// diagnosable situation than the backing store simply being down.
//
// Start requires the Service's dispatcher to already be pumped by a
// goroutine running Dispatcher.Run, since Bootstrap's completion is
// posted rather than invoked inline.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Probe(ctx); err != nil {
		return err
	}

	result := make(chan error, 1)
	s.Bootstrap(ctx, "", func(err error, _ []meta.Op, _ uint64) {
		result <- err
	})

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%w: %v", meta.ErrStartupAborted, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) commitChunk(ctx context.Context, changes []meta.Op) (uint64, error) {
	ops := make([]txnOp, len(changes))
	for i, op := range changes {
		ops[i] = txnOp{
			isPut: op.Type == meta.Put,
			key:   s.cfg.Prefix + op.Key,
			value: op.Value,
		}
	}
	return s.adapter.Txn(ctx, ops)
}

// CommitUpdates splits changes into chunks of at most cfg.ChunkSize ops
// to conform to the backing store's per-transaction operation cap.
// Every chunk but the last is submitted and awaited synchronously, in
// input order; a failing intermediate chunk abandons the remainder and
// invokes cb with that chunk's error and revision. Earlier successful
// chunks are not rolled back. The final chunk (which is everything when
// len(changes) <= ChunkSize) is submitted asynchronously.
func (s *Service) CommitUpdates(ctx context.Context, changes []meta.Op, cb meta.CommitCallback) {
	chunkSize := s.cfg.ChunkSize
	offset := 0
	for offset+chunkSize < len(changes) {
		chunk := changes[offset : offset+chunkSize]
		rev, err := s.commitChunk(ctx, chunk)
		if err != nil {
			s.post(func() { cb(err, rev) })
			return
		}
		offset += chunkSize
	}

	last := changes[offset:]
	go func() {
		rev, err := s.commitChunk(ctx, last)
		s.post(func() { cb(err, rev) })
	}()
}

// RequestLock acquires namespace_prefix+name and hands back a Lock
// whose release closure is bound to this Service as its Unlocker.
func (s *Service) RequestLock(ctx context.Context, name, site string, cb meta.LockCallback) {
	requestedAt := time.Now()
	go func() {
		lockKey, rev, err := s.adapter.Lock(ctx, s.cfg.Prefix+name)
		if err != nil {
			s.post(func() { cb(err, nil) })
			return
		}
		acquiredAt := time.Now()
		lock := meta.NewLock(s, lockKey, rev, site, requestedAt, acquiredAt, s.cfg.Logger)
		s.post(func() { cb(nil, lock) })
	}()
}

// Unlock implements meta.Unlocker so a Lock's release closure can carry
// just the Service, not the whole adapter or its connection details.
func (s *Service) Unlock(ctx context.Context, lockKey []byte) (uint64, error) {
	return s.adapter.Unlock(ctx, lockKey)
}

// Probe performs a point read of the configured probe key.
func (s *Service) Probe(ctx context.Context) error {
	_, _, err := s.adapter.Range(ctx, s.cfg.ProbeKey)
	return err
}

// Close releases the underlying adapter's connection. It does not tear
// down the daemon watch; call Stop first.
func (s *Service) Close() error {
	return s.adapter.Close()
}

var errDaemonAlreadyStopped = errors.New("etcdmeta: daemon watch already stopped")

// StartDaemonWatch begins the self-reconnecting subscription described
// in the package doc. It returns an error only if this Service has
// already been stopped; reconnection after that point is never
// attempted again.
func (s *Service) StartDaemonWatch(_ context.Context, prefix string, sinceRev uint64, cb meta.Callback) error {
	s.daemonMu.Lock()
	if s.daemonState == stateStopped {
		s.daemonMu.Unlock()
		return errDaemonAlreadyStopped
	}
	s.daemonState = stateSubscribing
	s.daemonDone = make(chan struct{})
	s.daemonMu.Unlock()

	go s.daemonLoop(prefix, sinceRev, cb)
	return nil
}

func (s *Service) daemonLoop(prefix string, rev uint64, cb meta.Callback) {
	defer close(s.daemonDone)

	full := s.fullPrefix(prefix)
	handler := newWatchHandler(s.cfg.Prefix, s.cfg.SyncLockPrefix)

	for {
		s.daemonMu.Lock()
		if s.daemonState == stateStopped {
			s.daemonMu.Unlock()
			return
		}
		s.daemonState = stateSubscribing
		watchCtx, cancel := context.WithCancel(context.Background())
		s.daemonCancel = cancel
		s.daemonMu.Unlock()

		ch, err := s.adapter.Watch(watchCtx, full, rev+1)
		if err != nil {
			s.cfg.Logger.Error("failed to create daemon watcher", zap.Error(err), zap.Uint64("since_rev", rev+1))
			cancel()
			if !s.armBackoff() {
				return
			}
			continue
		}

		s.daemonMu.Lock()
		if s.daemonState != stateStopped {
			s.daemonState = stateWatching
		}
		s.daemonMu.Unlock()
		s.cfg.Logger.Info("daemon watch established", zap.Uint64("since_rev", rev+1))

		for batch := range ch {
			err2, ops, _ := handler.translate(batch)
			if err2 != nil {
				s.cfg.Logger.Error("daemon watch delivery error", zap.Error(err2))
				continue
			}
			if len(ops) == 0 {
				continue
			}
			for _, b := range meta.GroupByRevision(ops) {
				rev = b.Rev
				batch := b
				s.post(func() { cb(nil, batch.Ops, batch.Rev) })
			}
		}
		cancel()

		s.daemonMu.Lock()
		stopped := s.daemonState == stateStopped
		s.daemonMu.Unlock()
		if stopped {
			return
		}

		s.cfg.Logger.Info("daemon watch lost, backing off", zap.Uint64("resume_rev", rev+1))
		if !s.armBackoff() {
			return
		}
	}
}

// armBackoff arms the BackingOff timer and blocks until it fires or
// Stop is called, returning false in the latter case so the daemon loop
// exits rather than resubscribing.
func (s *Service) armBackoff() bool {
	s.daemonMu.Lock()
	if s.daemonState == stateStopped {
		s.daemonMu.Unlock()
		return false
	}
	s.daemonState = stateBackingOff
	timer := time.NewTimer(s.cfg.BackoffInterval)
	s.backoffTimer = timer
	s.daemonMu.Unlock()

	select {
	case <-timer.C:
	case <-s.stopCh:
		timer.Stop()
	}

	s.daemonMu.Lock()
	stopped := s.daemonState == stateStopped
	s.backoffTimer = nil
	s.daemonMu.Unlock()
	return !stopped
}

// Stop cancels the daemon watch subscription (swallowing any
// cancellation error, since cancellation was requested, not suffered),
// cancels any pending backoff timer, waits for the daemon loop to exit
// so no daemon-watch callback is posted after Stop returns, and
// terminates any embedded backing-store process this instance owns.
// In-flight RequestAll/RequestUpdates/CommitUpdates/RequestLock calls
// are not cancelled; their callbacks may still fire afterward. Stop is
// idempotent; calling it more than once is a no-op after the first.
func (s *Service) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.daemonMu.Lock()
		s.daemonState = stateStopped
		cancel := s.daemonCancel
		done := s.daemonDone
		s.daemonMu.Unlock()

		close(s.stopCh)

		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}

		if s.childProc != nil {
			if err := s.childProc.Terminate(); err != nil {
				stopErr = multierr.Append(stopErr, fmt.Errorf("terminating embedded backing store: %w", err))
			}
		}
	})
	return stopErr
}
