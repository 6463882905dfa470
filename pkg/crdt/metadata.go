package crdt

import (
	"fmt"

	"github.com/quiltdb/quilt/pkg/storage"
	"github.com/quiltdb/quilt/pkg/types"
)

// StructureMetadata tracks, per named structure, the set of known replica
// buckets and the highest clock observed per bucket. It gates local writes
// (strict per-bucket monotonicity) and supplies the next clock to mint.
//
// Updates stage in memory until Save persists them, so a structure can
// accept several writes inside one transaction and flush once.
type StructureMetadata struct {
	prefix string
	name   string

	buckets map[types.Bucket]types.Clock
	staged  map[types.Bucket]types.Clock
}

// NewStructureMetadata creates or loads the metadata table for
// (prefix, name).
func NewStructureMetadata(txn storage.Txn, prefix, name string) (*StructureMetadata, error) {
	if err := txn.InitMeta(prefix, name); err != nil {
		return nil, fmt.Errorf("init metadata %s.%s: %w", prefix, name, err)
	}
	buckets, err := txn.MetaBuckets(prefix, name)
	if err != nil {
		return nil, fmt.Errorf("load metadata %s.%s: %w", prefix, name, err)
	}
	return &StructureMetadata{
		prefix:  prefix,
		name:    name,
		buckets: buckets,
		staged:  make(map[types.Bucket]types.Clock),
	}, nil
}

// Prefix returns the owning store's name.
func (m *StructureMetadata) Prefix() string {
	return m.prefix
}

// Name returns the structure's name.
func (m *StructureMetadata) Name() string {
	return m.name
}

// Buckets returns a copy of the current clock high-watermark per bucket.
func (m *StructureMetadata) Buckets() map[types.Bucket]types.Clock {
	out := make(map[types.Bucket]types.Clock, len(m.buckets))
	for b, c := range m.buckets {
		out[b] = c
	}
	return out
}

// Next returns one past the largest clock value across all buckets, the
// clock a fresh local write should carry.
func (m *StructureMetadata) Next() types.Clock {
	var max types.Clock
	for _, c := range m.buckets {
		if c > max {
			max = c
		}
	}
	return max + 1
}

// Update advances the high-watermark for bucket. It rejects clocks not
// strictly greater than the stored value; once Update(b, c) succeeds, no
// Update(b, c') with c' <= c ever succeeds again.
func (m *StructureMetadata) Update(bucket types.Bucket, clock types.Clock) bool {
	if stored, ok := m.buckets[bucket]; ok && clock <= stored {
		return false
	}
	m.buckets[bucket] = clock
	m.staged[bucket] = clock
	return true
}

// Save persists all staged high-watermarks and clears the staging map.
func (m *StructureMetadata) Save(txn storage.Txn) error {
	for bucket, clock := range m.staged {
		if err := txn.MetaPut(m.prefix, m.name, bucket, clock); err != nil {
			return fmt.Errorf("save metadata %s.%s: %w", m.prefix, m.name, err)
		}
	}
	m.staged = make(map[types.Bucket]types.Clock)
	return nil
}
