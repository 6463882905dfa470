package storage

import (
	"github.com/quiltdb/quilt/pkg/types"
)

// Row mirrors one register row: the stamp that produced the current value
// and three nullable payload columns. Which columns a present value uses is
// the owning structure's business; a tombstone leaves all three nil.
type Row struct {
	Bucket types.Bucket
	Clock  types.Clock
	Src    *types.ObjectID
	Label  *types.Label
	Value  []byte
}

// Stamp returns the (bucket, clock) pair of the row.
func (r *Row) Stamp() types.Stamp {
	return types.Stamp{Bucket: r.Bucket, Clock: r.Clock}
}

// LabelValue is the projection returned by IDLabelValueBySrc.
type LabelValue struct {
	Label types.Label
	Value []byte
}

// SrcValue is the projection returned by IDSrcValueByLabel.
type SrcValue struct {
	Src   types.ObjectID
	Value []byte
}

// HistoryEntry is one recorded action in the per-replica log.
type HistoryEntry struct {
	Bucket types.Bucket
	Clock  types.Clock
	Name   string
	Action []byte
}

// Backend is the embedded database a Store runs on. Every public Store call
// executes inside exactly one Update or View.
type Backend interface {
	// Update runs fn in a read-write transaction. The transaction commits
	// when fn returns nil and rolls back on error or panic.
	Update(fn func(Txn) error) error

	// View runs fn in a read-only transaction.
	View(fn func(Txn) error) error

	Close() error
}

// Txn is the transaction-scoped surface the CRDT structures read and write
// through. Register tables are addressed by (prefix, name); integer key
// material is big-endian on disk so lexicographic order equals numeric
// order, which the (bucket, clock) range scan and the index prefix scans
// rely on.
type Txn interface {
	// InitRegisters creates the data table and its three secondary indices
	// for (prefix, name) if they do not exist. Requires a write transaction.
	InitRegisters(prefix, name string) error

	// GetRow returns the row for id, or nil if the id was never written.
	GetRow(prefix, name string, id types.ObjectID) (*Row, error)

	// PutRow upserts the row for id and maintains the secondary indices.
	PutRow(prefix, name string, id types.ObjectID, row *Row) error

	// IDLabelValueBySrc returns (label, value) per id for rows with the
	// given src, via the (src, label) index.
	IDLabelValueBySrc(prefix, name string, src types.ObjectID) (map[types.ObjectID]LabelValue, error)

	// IDValueBySrcLabel returns value per id for rows matching (src, label).
	IDValueBySrcLabel(prefix, name string, src types.ObjectID, label types.Label) (map[types.ObjectID][]byte, error)

	// IDSrcValueByLabel returns (src, value) per id for rows with the given
	// label, via the (label, value) index.
	IDSrcValueByLabel(prefix, name string, label types.Label) (map[types.ObjectID]SrcValue, error)

	// IDSrcByLabelValue returns src per id for rows matching (label, value).
	IDSrcByLabelValue(prefix, name string, label types.Label, value []byte) (map[types.ObjectID]types.ObjectID, error)

	// ByBucketClockRange returns every row stamped by bucket with a clock
	// strictly greater than lower (nil lower means all clocks).
	ByBucketClockRange(prefix, name string, bucket types.Bucket, lower *types.Clock) (map[types.ObjectID]Row, error)

	// InitMeta creates the metadata table for (prefix, name).
	InitMeta(prefix, name string) error

	// MetaBuckets returns the stored clock high-watermark per bucket.
	MetaBuckets(prefix, name string) (map[types.Bucket]types.Clock, error)

	// MetaPut stores the clock high-watermark for one bucket.
	MetaPut(prefix, name string, bucket types.Bucket, clock types.Clock) error

	// InitHistory creates the action log tables for prefix.
	InitHistory(prefix string) error

	// HistoryHas reports whether an entry for (bucket, clock) is recorded.
	HistoryHas(prefix string, bucket types.Bucket, clock types.Clock) (bool, error)

	// HistoryPut records an entry. Per (bucket, clock) the first writer
	// wins; the caller checks HistoryHas before overwriting.
	HistoryPut(prefix string, entry HistoryEntry) error

	// HistoryForEach visits every recorded entry in (bucket, clock) order.
	HistoryForEach(prefix string, fn func(HistoryEntry) error) error

	// HistoryThis returns the persisted replica identity, or false if none
	// has been assigned yet.
	HistoryThis(prefix string) (types.Bucket, bool, error)

	// HistorySetThis persists the replica identity. It must refuse to
	// overwrite an existing value.
	HistorySetThis(prefix string, bucket types.Bucket) error
}
