package etcdmeta

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	concurrency "go.etcd.io/etcd/client/v3/concurrency"
	raftv3 "go.etcd.io/raft/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lattice-db/metacore/meta"
)

// lockKeySeparator joins the etcd key backing a mutex and its lease ID
// into the single opaque token the Adapter interface hands callers,
// since Unlock only receives that token back, never the session it
// came from.
const lockKeySeparator = "\x00"

// shouldRetry classifies an error returned by the etcd client as worth
// retrying: either a gRPC Unavailable from the client itself, or a
// dropped raft proposal during a leader election, both of which are
// expected to clear up on their own. Anything else is a hard failure.
func shouldRetry(err error, retries uint64) bool {
	if retries == 0 || err == nil {
		return false
	}
	if etcdErr, ok := err.(rpctypes.EtcdError); ok {
		return etcdErr.Code() == codes.Unavailable
	}
	if stat, ok := status.FromError(err); ok {
		return stat.Message() == raftv3.ErrProposalDropped.Error()
	}
	return false
}

type etcdAdapter struct {
	client *clientv3.Client
	cfg    Config
}

// newEtcdAdapter dials etcd per cfg and wraps the client behind the
// Adapter interface.
func newEtcdAdapter(cfg Config) (*etcdAdapter, error) {
	cfg.setDefaults()

	clientCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		TLS:         cfg.TLS,
		Logger:      cfg.Logger,
	}
	if cfg.Username != "" {
		clientCfg.Username = cfg.Username
		clientCfg.Password = cfg.Password
	}

	cli, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &etcdAdapter{client: cli, cfg: cfg}, nil
}

func (a *etcdAdapter) Close() error {
	return a.client.Close()
}

func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if etcdErr, ok := err.(rpctypes.EtcdError); ok {
		return meta.BackingStoreError(int(etcdErr.Code()), etcdErr.Error())
	}
	if stat, ok := status.FromError(err); ok {
		return meta.BackingStoreError(int(stat.Code()), stat.Message())
	}
	return meta.BackingStoreError(int(codes.Unknown), err.Error())
}

func (a *etcdAdapter) rangeWithRetries(ctx context.Context, prefix string, retries uint64) ([]KV, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	resp, err := a.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		if !shouldRetry(err, retries) {
			return nil, 0, grpcError(err)
		}
		time.Sleep(a.cfg.RetryInterval)
		return a.rangeWithRetries(ctx, prefix, retries-1)
	}

	kvs := make([]KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, KV{Key: string(kv.Key), Value: kv.Value})
	}
	return kvs, uint64(resp.Header.Revision), nil
}

func (a *etcdAdapter) Range(ctx context.Context, prefix string) ([]KV, uint64, error) {
	return a.rangeWithRetries(ctx, prefix, a.cfg.Retries)
}

func (a *etcdAdapter) txnWithRetries(ctx context.Context, ops []txnOp, retries uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	etcdOps := make([]clientv3.Op, 0, len(ops))
	for _, op := range ops {
		if op.isPut {
			etcdOps = append(etcdOps, clientv3.OpPut(op.key, string(op.value)))
		} else {
			etcdOps = append(etcdOps, clientv3.OpDelete(op.key))
		}
	}

	resp, err := a.client.Txn(ctx).Then(etcdOps...).Commit()
	if err != nil {
		if !shouldRetry(err, retries) {
			return 0, grpcError(err)
		}
		time.Sleep(a.cfg.RetryInterval)
		return a.txnWithRetries(ctx, ops, retries-1)
	}
	if !resp.Succeeded {
		return uint64(resp.Header.Revision), meta.BackingStoreError(int(codes.Aborted), "transaction did not succeed")
	}
	return uint64(resp.Header.Revision), nil
}

func (a *etcdAdapter) Txn(ctx context.Context, ops []txnOp) (uint64, error) {
	return a.txnWithRetries(ctx, ops, a.cfg.Retries)
}

func (a *etcdAdapter) Watch(ctx context.Context, prefix string, startRev uint64) (<-chan WatchBatch, error) {
	watchOpts := []clientv3.OpOption{clientv3.WithPrefix()}
	if startRev > 0 {
		watchOpts = append(watchOpts, clientv3.WithRev(int64(startRev)))
	}

	wc := a.client.Watch(ctx, prefix, watchOpts...)
	if wc == nil {
		return nil, fmt.Errorf("failed to establish watch on %s", prefix)
	}

	out := make(chan WatchBatch)
	go func() {
		defer close(out)
		for resp := range wc {
			if err := resp.Err(); err != nil {
				select {
				case out <- WatchBatch{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			batch := WatchBatch{Rev: uint64(resp.Header.Revision)}
			batch.Events = make([]Event, 0, len(resp.Events))
			for _, ev := range resp.Events {
				e := Event{
					Key:         string(ev.Kv.Key),
					ModRevision: uint64(ev.Kv.ModRevision),
				}
				switch ev.Type {
				case mvccpb.PUT:
					e.Type = EventPut
					e.Value = ev.Kv.Value
				case mvccpb.DELETE:
					e.Type = EventDelete
				default:
					e.Type = EventOther
				}
				batch.Events = append(batch.Events, e)
			}

			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (a *etcdAdapter) Lock(ctx context.Context, name string) ([]byte, uint64, error) {
	session, err := concurrency.NewSession(a.client)
	if err != nil {
		return nil, 0, grpcError(err)
	}
	mu := concurrency.NewMutex(session, name)
	if err := mu.Lock(ctx); err != nil {
		_ = session.Close()
		return nil, 0, grpcError(err)
	}
	token := mu.Key() + lockKeySeparator + strconv.FormatInt(int64(session.Lease()), 10)
	return []byte(token), uint64(mu.Header().Revision), nil
}

func (a *etcdAdapter) Unlock(ctx context.Context, lockKey []byte) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	key, leaseStr, found := strings.Cut(string(lockKey), lockKeySeparator)
	if !found {
		return 0, meta.Invalid("malformed lock key")
	}
	leaseID, err := strconv.ParseInt(leaseStr, 10, 64)
	if err != nil {
		return 0, meta.Invalid("malformed lock key lease")
	}

	resp, delErr := a.client.Delete(ctx, key)
	if delErr != nil {
		return 0, grpcError(delErr)
	}
	// Best-effort: free the session lease too. Its own TTL would
	// eventually do this, but releasing it now means a waiter doesn't
	// have to wait out the lease TTL after the key is already gone.
	_, _ = a.client.Revoke(ctx, clientv3.LeaseID(leaseID))

	return uint64(resp.Header.Revision), nil
}
