package history

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/quiltdb/quilt/pkg/storage"
	"github.com/quiltdb/quilt/pkg/types"
)

// VectorHistory is the durable append-only log of actions keyed by
// (replica bucket, clock). It answers the anti-entropy questions: what
// clock would a local write get, which actions a peer with a given version
// vector of next clocks still lacks (those at or after its per-bucket
// value), and which of a batch of foreign actions are new here.
type VectorHistory struct {
	prefix string
	this   types.Bucket

	// Highest clock recorded per bucket. Entries themselves stay on disk;
	// only the watermarks are cached.
	maxSeen map[types.Bucket]types.Clock
}

// New creates or loads the history stored under prefix. The local replica
// identity is generated randomly on first creation and never regenerated.
func New(txn storage.Txn, prefix string) (*VectorHistory, error) {
	if err := txn.InitHistory(prefix); err != nil {
		return nil, fmt.Errorf("init history %s: %w", prefix, err)
	}

	this, ok, err := txn.HistoryThis(prefix)
	if err != nil {
		return nil, err
	}
	if !ok {
		this = generateBucket()
		if err := txn.HistorySetThis(prefix, this); err != nil {
			return nil, fmt.Errorf("assign replica identity: %w", err)
		}
	}

	h := &VectorHistory{
		prefix:  prefix,
		this:    this,
		maxSeen: make(map[types.Bucket]types.Clock),
	}
	err = txn.HistoryForEach(prefix, func(entry storage.HistoryEntry) error {
		if entry.Clock > h.maxSeen[entry.Bucket] {
			h.maxSeen[entry.Bucket] = entry.Clock
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", prefix, err)
	}
	return h, nil
}

// generateBucket draws a random nonzero 64-bit replica identity.
func generateBucket() types.Bucket {
	for {
		id := uuid.New()
		b := types.Bucket(types.Uint64(id[:8]))
		if b != 0 {
			return b
		}
	}
}

// This returns the local replica's bucket.
func (h *VectorHistory) This() types.Bucket {
	return h.this
}

// NextThis returns the highest clock recorded for the local replica, or 0
// if it has recorded nothing. Local writes use NextThis()+1.
func (h *VectorHistory) NextThis() types.Clock {
	return h.maxSeen[h.this]
}

// Push records an entry if its (bucket, clock) slot is vacant and returns
// whether it was novel. Foreign entries may arrive out of clock order;
// duplicates are idempotent no-ops.
func (h *VectorHistory) Push(txn storage.Txn, entry storage.HistoryEntry) (bool, error) {
	if entry.Clock <= h.maxSeen[entry.Bucket] {
		has, err := txn.HistoryHas(h.prefix, entry.Bucket, entry.Clock)
		if err != nil {
			return false, err
		}
		if has {
			return false, nil
		}
	}
	if err := txn.HistoryPut(h.prefix, entry); err != nil {
		return false, fmt.Errorf("push history %s: %w", h.prefix, err)
	}
	if entry.Clock > h.maxSeen[entry.Bucket] {
		h.maxSeen[entry.Bucket] = entry.Clock
	}
	return true, nil
}

// Append pushes a batch and returns the subset that was novel, in input
// order, so the caller can re-apply exactly those to the in-memory state.
func (h *VectorHistory) Append(txn storage.Txn, entries []storage.HistoryEntry) ([]storage.HistoryEntry, error) {
	var novel []storage.HistoryEntry
	for _, entry := range entries {
		accepted, err := h.Push(txn, entry)
		if err != nil {
			return nil, err
		}
		if accepted {
			novel = append(novel, entry)
		}
	}
	return novel, nil
}

// Collect returns every recorded entry at or after the given version
// vector; buckets absent from the vector contribute all their entries.
// Entries come back in (bucket, clock) key order, but receivers must not
// rely on it.
func (h *VectorHistory) Collect(txn storage.Txn, version map[types.Bucket]types.Clock) ([]storage.HistoryEntry, error) {
	var out []storage.HistoryEntry
	err := txn.HistoryForEach(h.prefix, func(entry storage.HistoryEntry) error {
		if lower, ok := version[entry.Bucket]; ok && entry.Clock < lower {
			return nil
		}
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect history %s: %w", h.prefix, err)
	}
	return out, nil
}

// Nexts returns the version vector probe answer: per bucket, one past the
// highest recorded clock.
func (h *VectorHistory) Nexts() map[types.Bucket]types.Clock {
	out := make(map[types.Bucket]types.Clock, len(h.maxSeen))
	for b, c := range h.maxSeen {
		out[b] = c + 1
	}
	return out
}
