package etcdmeta

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"
)

// MaxTxnOps is etcd's own documented per-transaction operation cap. The
// chunking protocol must tolerate this being tightened without any
// change to its external behavior, which is why ChunkSize below is a
// separate, independently configurable value rather than a derived
// constant.
const MaxTxnOps = 128

// DefaultChunkSize leaves one slot of headroom under MaxTxnOps (127 ops
// per synchronous chunk, never the full 128), in case a future release
// of the backing store folds a housekeeping op into the same
// transaction.
const DefaultChunkSize = MaxTxnOps - 1

// DefaultBackoffInterval is how long the daemon watch waits in
// BackingOff before re-attempting a subscription.
const DefaultBackoffInterval = 10 * time.Second

const (
	defaultSyncLockSuffix = "/meta_sync_lock"
	defaultProbeKeySuffix = "/meta_probe_key"
)

// Config collects everything a Service needs to talk to etcd and to
// scope itself to one namespace. It mirrors the shape of a plain
// connection-options struct rather than introducing a file-format
// loader: the host process, not this library, owns config sources.
type Config struct {
	Endpoints []string

	// TLS, mirroring EtcdClientOptions in the sibling SDKs this module
	// was raised alongside: client cert/key for mTLS, or plain
	// Username/Password, exactly one of the two.
	TLS      *tls.Config
	Username string
	Password string

	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Retries        uint64
	RetryInterval  time.Duration

	// Prefix roots every key this instance reads or writes.
	Prefix string

	// SyncLockPrefix names the internal instance-lock subtree filtered
	// out of watch output. Defaults to Prefix + "/meta_sync_lock".
	SyncLockPrefix string

	// ProbeKey is the key Probe reads to establish liveness. Defaults
	// to Prefix + "/meta_probe_key".
	ProbeKey string

	// ChunkSize bounds how many ops CommitUpdates puts in one
	// transaction. Defaults to DefaultChunkSize; may be tightened freely.
	// A value above MaxTxnOps-1 is clamped down to MaxTxnOps-1 at
	// construction time rather than honored, since submitting that many
	// ops in one transaction would exceed the backing store's own cap.
	ChunkSize int

	// BackoffInterval is how long the daemon watch idles in BackingOff
	// before retrying. Defaults to DefaultBackoffInterval.
	BackoffInterval time.Duration

	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.SyncLockPrefix == "" {
		c.SyncLockPrefix = c.Prefix + defaultSyncLockSuffix
	}
	if c.ProbeKey == "" {
		c.ProbeKey = c.Prefix + defaultProbeKeySuffix
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize > MaxTxnOps-1 {
		c.ChunkSize = MaxTxnOps - 1
	}
	if c.BackoffInterval == 0 {
		c.BackoffInterval = DefaultBackoffInterval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
