package etcdmeta

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-db/metacore/meta"
)

func newTestService(cfg Config, adapter Adapter) (*Service, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	d := meta.NewDispatcher(32)
	go d.Run(ctx)
	cfg.Logger = zap.NewNop()
	svc := NewService(cfg, adapter, d, ctx)
	return svc, ctx, cancel
}

func TestRequestAllReturnsSnapshotUnderPrefix(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.data["/ns/a"] = []byte("1")
	adapter.data["/ns/b"] = []byte("2")
	adapter.data["/other/c"] = []byte("3")
	adapter.rev = 7

	svc, ctx, cancel := newTestService(Config{Prefix: "/ns"}, adapter)
	defer cancel()

	done := make(chan struct{})
	var gotOps []meta.Op
	var gotErr error
	svc.RequestAll(ctx, "", 0, func(err error, ops []meta.Op, rev uint64) {
		gotErr = err
		gotOps = ops
		if rev != 7 {
			t.Errorf("rev = %d, want 7", rev)
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RequestAll callback")
	}

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if len(gotOps) != 2 {
		t.Fatalf("got %d ops, want 2 (the /other/c key must be filtered out)", len(gotOps))
	}
	for _, op := range gotOps {
		if op.Key != "/a" && op.Key != "/b" {
			t.Errorf("unexpected op key %q", op.Key)
		}
	}
}

func TestCommitUpdatesChunksLargeBatchesUnderTxnCap(t *testing.T) {
	adapter := newFakeAdapter()
	svc, ctx, cancel := newTestService(Config{Prefix: "/ns"}, adapter)
	defer cancel()

	changes := make([]meta.Op, 300)
	for i := range changes {
		changes[i] = meta.PutOp("/k", []byte("v"))
	}

	done := make(chan struct{})
	var gotErr error
	svc.CommitUpdates(ctx, changes, func(err error, rev uint64) {
		gotErr = err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CommitUpdates callback")
	}

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.txnCalls != 3 {
		t.Fatalf("txnCalls = %d, want 3", adapter.txnCalls)
	}
	want := []int{127, 127, 46}
	for i, size := range want {
		if adapter.chunkSizes[i] != size {
			t.Errorf("chunk %d size = %d, want %d", i, adapter.chunkSizes[i], size)
		}
	}
}

func TestCommitUpdatesSmallBatchIsOneAsyncTxn(t *testing.T) {
	adapter := newFakeAdapter()
	svc, ctx, cancel := newTestService(Config{Prefix: "/ns"}, adapter)
	defer cancel()

	changes := []meta.Op{meta.PutOp("/k", []byte("v"))}

	done := make(chan struct{})
	svc.CommitUpdates(ctx, changes, func(err error, rev uint64) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CommitUpdates callback")
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.txnCalls != 1 {
		t.Fatalf("txnCalls = %d, want 1", adapter.txnCalls)
	}
}

func TestCommitUpdatesStopsAtFailingChunk(t *testing.T) {
	adapter := newFakeAdapter()
	svc, ctx, cancel := newTestService(Config{Prefix: "/ns", ChunkSize: 2}, adapter)
	defer cancel()

	changes := []meta.Op{
		meta.PutOp("/a", []byte("1")),
		meta.PutOp("/b", []byte("2")),
		meta.PutOp("/c", []byte("3")),
	}

	adapter.mu.Lock()
	adapter.txnErr = errors.New("backing store unavailable")
	adapter.mu.Unlock()

	done := make(chan struct{})
	var gotErr error
	svc.CommitUpdates(ctx, changes, func(err error, rev uint64) {
		gotErr = err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CommitUpdates callback")
	}

	if gotErr == nil {
		t.Fatal("expected an error from the failing first chunk")
	}
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.txnCalls != 1 {
		t.Fatalf("txnCalls = %d, want 1 (must not attempt the remaining chunk)", adapter.txnCalls)
	}
}

func TestRequestLockThenDoubleRelease(t *testing.T) {
	adapter := newFakeAdapter()
	svc, ctx, cancel := newTestService(Config{Prefix: "/ns"}, adapter)
	defer cancel()

	done := make(chan struct{})
	var lock *meta.Lock
	svc.RequestLock(ctx, "mylock", "caller-site", func(err error, l *meta.Lock) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		lock = l
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RequestLock callback")
	}

	if lock == nil {
		t.Fatal("expected a lock")
	}

	if _, err := lock.Release(ctx); err != nil {
		t.Fatalf("first release: unexpected error: %v", err)
	}
	if _, err := lock.Release(ctx); !errors.Is(err, meta.ErrInvalid) {
		t.Fatalf("second release: got %v, want ErrInvalid", err)
	}
}

func TestProbeReflectsAdapterHealth(t *testing.T) {
	adapter := newFakeAdapter()
	svc, ctx, cancel := newTestService(Config{Prefix: "/ns"}, adapter)
	defer cancel()

	if err := svc.Probe(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	adapter.mu.Lock()
	adapter.rangeErr = errors.New("unreachable")
	adapter.mu.Unlock()

	if err := svc.Probe(ctx); err == nil {
		t.Fatal("expected an error once the adapter is unhealthy")
	}
}

func TestBootstrapSnapshotsOnceThenIncrementallyCatchesUp(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.data["/ns/a"] = []byte("1")
	adapter.rev = 1

	svc, ctx, cancel := newTestService(Config{Prefix: "/ns"}, adapter)
	defer cancel()

	first := make(chan []meta.Op, 1)
	svc.Bootstrap(ctx, "", func(err error, ops []meta.Op, rev uint64) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		first <- ops
	})
	select {
	case ops := <-first:
		if len(ops) != 1 {
			t.Fatalf("first bootstrap: got %d ops, want 1 (full snapshot)", len(ops))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first Bootstrap callback")
	}

	registered := make(chan struct{})
	adapter.onWatchRegistered = func() { close(registered) }

	second := make(chan []meta.Op, 1)
	svc.Bootstrap(ctx, "", func(err error, ops []meta.Op, rev uint64) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		second <- ops
	})

	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the incremental watch to register")
	}
	if _, err := adapter.Txn(ctx, []txnOp{{isPut: true, key: "/ns/b", value: []byte("2")}}); err != nil {
		t.Fatalf("seeding txn failed: %v", err)
	}

	select {
	case ops := <-second:
		if len(ops) != 1 {
			t.Fatalf("second bootstrap: got %d ops, want 1 (the incremental write)", len(ops))
		}
		if ops[0].Key != "/b" {
			t.Errorf("got key %q, want /b", ops[0].Key)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second Bootstrap callback")
	}
}
