package etcdmeta

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/lattice-db/metacore/meta"
)

// fakeAdapter is an in-memory Adapter used to exercise Service without
// a live etcd cluster, per the package's own design note that isolating
// the wire dialect behind Adapter makes this possible.
type fakeAdapter struct {
	mu   sync.Mutex
	data map[string][]byte
	rev  uint64

	watchMu  sync.Mutex
	watchers []*fakeWatch

	locks map[string]bool

	rangeErr error
	txnErr   error
	lockErr  error
	watchErr error

	failWatchesRemaining int

	txnCalls   int
	chunkSizes []int

	// onWatchRegistered, if set, runs synchronously right after a new
	// watcher is registered. Tests use it to avoid racing a write
	// against watch registration with a sleep.
	onWatchRegistered func()
}

type fakeWatch struct {
	prefix string
	ch     chan WatchBatch
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		data:  make(map[string][]byte),
		locks: make(map[string]bool),
	}
}

func (a *fakeAdapter) Range(_ context.Context, prefix string) ([]KV, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rangeErr != nil {
		return nil, a.rev, a.rangeErr
	}

	keys := make([]string, 0)
	for k := range a.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	kvs := make([]KV, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, KV{Key: k, Value: a.data[k]})
	}
	return kvs, a.rev, nil
}

func (a *fakeAdapter) Txn(_ context.Context, ops []txnOp) (uint64, error) {
	a.mu.Lock()
	a.txnCalls++
	a.chunkSizes = append(a.chunkSizes, len(ops))
	if a.txnErr != nil {
		err := a.txnErr
		a.mu.Unlock()
		return a.rev, err
	}

	a.rev++
	rev := a.rev
	events := make([]Event, 0, len(ops))
	for _, op := range ops {
		if op.isPut {
			a.data[op.key] = op.value
			events = append(events, Event{Type: EventPut, Key: op.key, Value: op.value, ModRevision: rev})
		} else {
			delete(a.data, op.key)
			events = append(events, Event{Type: EventDelete, Key: op.key, ModRevision: rev})
		}
	}
	a.mu.Unlock()

	a.deliver(rev, events)
	return rev, nil
}

func (a *fakeAdapter) deliver(rev uint64, events []Event) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	for _, w := range a.watchers {
		filtered := make([]Event, 0, len(events))
		for _, ev := range events {
			if strings.HasPrefix(ev.Key, w.prefix) {
				filtered = append(filtered, ev)
			}
		}
		if len(filtered) == 0 {
			continue
		}
		w.ch <- WatchBatch{Events: filtered, Rev: rev}
	}
}

// setFailWatches makes the next n calls to Watch fail with err before
// Watch starts succeeding again, letting tests exercise the daemon
// loop's backoff-and-retry path deterministically.
func (a *fakeAdapter) setFailWatches(n int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failWatchesRemaining = n
	a.watchErr = err
}

func (a *fakeAdapter) Watch(ctx context.Context, prefix string, _ uint64) (<-chan WatchBatch, error) {
	a.mu.Lock()
	if a.failWatchesRemaining > 0 {
		a.failWatchesRemaining--
		err := a.watchErr
		a.mu.Unlock()
		return nil, err
	}
	a.mu.Unlock()

	w := &fakeWatch{prefix: prefix, ch: make(chan WatchBatch, 16)}
	a.watchMu.Lock()
	a.watchers = append(a.watchers, w)
	a.watchMu.Unlock()

	if a.onWatchRegistered != nil {
		a.onWatchRegistered()
	}

	go func() {
		<-ctx.Done()
		a.watchMu.Lock()
		for i, existing := range a.watchers {
			if existing == w {
				a.watchers = append(a.watchers[:i], a.watchers[i+1:]...)
				break
			}
		}
		a.watchMu.Unlock()
		close(w.ch)
	}()

	return w.ch, nil
}

func (a *fakeAdapter) Lock(_ context.Context, name string) ([]byte, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lockErr != nil {
		return nil, 0, a.lockErr
	}
	if a.locks[name] {
		return nil, 0, meta.Invalid("already locked in fake adapter")
	}
	a.locks[name] = true
	a.rev++
	return []byte(name), a.rev, nil
}

func (a *fakeAdapter) Unlock(_ context.Context, lockKey []byte) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name := string(lockKey)
	if !a.locks[name] {
		return a.rev, meta.Invalid("not locked in fake adapter")
	}
	delete(a.locks, name)
	a.rev++
	return a.rev, nil
}

func (a *fakeAdapter) Close() error {
	return nil
}
