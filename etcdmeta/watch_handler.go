package etcdmeta

import (
	"strings"

	"github.com/lattice-db/metacore/meta"
)

// filterAndTranslate implements the per-event watch algorithm from the
// spec: drop sync-lock traffic, drop anything outside the namespace,
// strip the namespace prefix, map PUT/DELETE to Op records, drop
// anything else. Batch order is preserved. It is a pure function so it
// is trivially unit-testable without a live watch.
func filterAndTranslate(events []Event, prefix, syncLockPrefix string) []meta.Op {
	ops := make([]meta.Op, 0, len(events))
	for _, ev := range events {
		if syncLockPrefix != "" && strings.HasPrefix(ev.Key, syncLockPrefix) {
			continue
		}
		if !strings.HasPrefix(ev.Key, prefix+"/") {
			continue
		}
		opKey := strings.TrimPrefix(ev.Key, prefix)

		switch ev.Type {
		case EventPut:
			ops = append(ops, meta.Op{Type: meta.Put, Key: opKey, Value: ev.Value, Rev: ev.ModRevision})
		case EventDelete:
			ops = append(ops, meta.Op{Type: meta.Del, Key: opKey, Rev: ev.ModRevision})
		default:
			// anything else is dropped
		}
	}
	return ops
}

// watchHandler translates WatchBatches into op batches; posting the
// result onto a dispatcher is left to the Service. One instance is constructed per logical
// subscription (a one-shot RequestUpdates call, or the long-lived
// daemon watch) since both carry their own namespace/filter config.
type watchHandler struct {
	prefix         string
	syncLockPrefix string
}

func newWatchHandler(prefix, syncLockPrefix string) *watchHandler {
	return &watchHandler{prefix: prefix, syncLockPrefix: syncLockPrefix}
}

// translate turns one raw WatchBatch into the (err, ops, rev) triple a
// meta.Callback expects. The response's own error, if any, is mapped to
// a BackingStoreError status; no per-event error is possible since
// events never carry one on their own.
func (h *watchHandler) translate(batch WatchBatch) (error, []meta.Op, uint64) {
	if batch.Err != nil {
		return meta.BackingStoreError(0, batch.Err.Error()), nil, batch.Rev
	}
	ops := filterAndTranslate(batch.Events, h.prefix, h.syncLockPrefix)
	return nil, ops, batch.Rev
}
