package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/quiltdb/quilt/pkg/types"
)

// BoltBackend implements Backend using BoltDB. Each logical table is one
// BoltDB bucket; secondary indices are sibling buckets whose keys embed the
// indexed columns big-endian, suffixed with the row id.
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens (or creates) the database file under dataDir.
func NewBoltBackend(dataDir string) (*BoltBackend, error) {
	dbPath := filepath.Join(dataDir, "quilt.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Close closes the database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// Update runs fn in a read-write transaction.
func (b *BoltBackend) Update(fn func(Txn) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}

// View runs fn in a read-only transaction.
func (b *BoltBackend) View(fn func(Txn) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}

type boltTxn struct {
	tx *bolt.Tx
}

func dataBucket(prefix, name string) []byte {
	return []byte(prefix + "." + name + ".data")
}

func srcLabelBucket(prefix, name string) []byte {
	return []byte(prefix + "." + name + ".idx_src_label")
}

func labelValueBucket(prefix, name string) []byte {
	return []byte(prefix + "." + name + ".idx_label_value")
}

func bucketClockBucket(prefix, name string) []byte {
	return []byte(prefix + "." + name + ".idx_bucket_clock")
}

func metaBucket(prefix, name string) []byte {
	return []byte(prefix + "." + name + ".meta")
}

func historyBucket(prefix string) []byte {
	return []byte(prefix + ".history")
}

func historyMetaBucket(prefix string) []byte {
	return []byte(prefix + ".history.meta")
}

var keyThis = []byte("this")

func (t *boltTxn) InitRegisters(prefix, name string) error {
	for _, b := range [][]byte{
		dataBucket(prefix, name),
		srcLabelBucket(prefix, name),
		labelValueBucket(prefix, name),
		bucketClockBucket(prefix, name),
	} {
		if _, err := t.tx.CreateBucketIfNotExists(b); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", b, err)
		}
	}
	return nil
}

func (t *boltTxn) bucket(name []byte) (*bolt.Bucket, error) {
	b := t.tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %s not initialized", name)
	}
	return b, nil
}

// Row value layout: flags(1) | bucket(8) | clock(8) | [src(16)] | [label(8)] | [value...].
const (
	rowHasSrc   = 0x1
	rowHasLabel = 0x2
	rowHasValue = 0x4
)

func encodeRow(row *Row) []byte {
	var flags byte
	n := 1 + 8 + 8
	if row.Src != nil {
		flags |= rowHasSrc
		n += 16
	}
	if row.Label != nil {
		flags |= rowHasLabel
		n += 8
	}
	if row.Value != nil {
		flags |= rowHasValue
		n += len(row.Value)
	}
	out := make([]byte, 0, n)
	out = append(out, flags)
	out = types.PutUint64(out, uint64(row.Bucket))
	out = types.PutUint64(out, uint64(row.Clock))
	if row.Src != nil {
		out = append(out, row.Src[:]...)
	}
	if row.Label != nil {
		out = types.PutUint64(out, uint64(*row.Label))
	}
	if row.Value != nil {
		out = append(out, row.Value...)
	}
	return out
}

func decodeRow(data []byte) (*Row, error) {
	if len(data) < 17 {
		return nil, fmt.Errorf("register row too short: %d bytes", len(data))
	}
	flags := data[0]
	row := &Row{
		Bucket: types.Bucket(types.Uint64(data[1:9])),
		Clock:  types.Clock(types.Uint64(data[9:17])),
	}
	rest := data[17:]
	if flags&rowHasSrc != 0 {
		if len(rest) < 16 {
			return nil, fmt.Errorf("register row truncated in src column")
		}
		src, _ := types.ObjectIDFromBytes(rest[:16])
		row.Src = &src
		rest = rest[16:]
	}
	if flags&rowHasLabel != 0 {
		if len(rest) < 8 {
			return nil, fmt.Errorf("register row truncated in label column")
		}
		label := types.Label(types.Uint64(rest[:8]))
		row.Label = &label
		rest = rest[8:]
	}
	if flags&rowHasValue != 0 {
		// make keeps an empty value distinguishable from an absent one.
		row.Value = make([]byte, len(rest))
		copy(row.Value, rest)
	}
	return row, nil
}

func srcLabelKey(src types.ObjectID, label *types.Label, id types.ObjectID) []byte {
	out := make([]byte, 0, 16+8+16)
	out = append(out, src[:]...)
	var l types.Label
	if label != nil {
		l = *label
	}
	out = types.PutUint64(out, uint64(l))
	return append(out, id[:]...)
}

// labelValueKey embeds the value length so equality scans on (label, value)
// cannot match a longer value sharing a prefix.
func labelValueKey(label types.Label, value []byte, id types.ObjectID) []byte {
	out := make([]byte, 0, 8+4+len(value)+16)
	out = types.PutUint64(out, uint64(label))
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(value)))
	out = append(out, n[:]...)
	out = append(out, value...)
	return append(out, id[:]...)
}

func labelValuePrefix(label types.Label, value []byte) []byte {
	out := make([]byte, 0, 8+4+len(value))
	out = types.PutUint64(out, uint64(label))
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(value)))
	out = append(out, n[:]...)
	return append(out, value...)
}

func bucketClockKey(bucket types.Bucket, clock types.Clock, id types.ObjectID) []byte {
	out := make([]byte, 0, 8+8+16)
	out = types.PutUint64(out, uint64(bucket))
	out = types.PutUint64(out, uint64(clock))
	return append(out, id[:]...)
}

func (t *boltTxn) GetRow(prefix, name string, id types.ObjectID) (*Row, error) {
	b, err := t.bucket(dataBucket(prefix, name))
	if err != nil {
		return nil, err
	}
	data := b.Get(id[:])
	if data == nil {
		return nil, nil
	}
	return decodeRow(data)
}

func (t *boltTxn) PutRow(prefix, name string, id types.ObjectID, row *Row) error {
	data, err := t.bucket(dataBucket(prefix, name))
	if err != nil {
		return err
	}
	idxSrc, err := t.bucket(srcLabelBucket(prefix, name))
	if err != nil {
		return err
	}
	idxLV, err := t.bucket(labelValueBucket(prefix, name))
	if err != nil {
		return err
	}
	idxBC, err := t.bucket(bucketClockBucket(prefix, name))
	if err != nil {
		return err
	}

	// Drop index entries of the row being replaced.
	if old := data.Get(id[:]); old != nil {
		oldRow, err := decodeRow(old)
		if err != nil {
			return err
		}
		if oldRow.Src != nil {
			if err := idxSrc.Delete(srcLabelKey(*oldRow.Src, oldRow.Label, id)); err != nil {
				return err
			}
		}
		if oldRow.Label != nil && oldRow.Value != nil {
			if err := idxLV.Delete(labelValueKey(*oldRow.Label, oldRow.Value, id)); err != nil {
				return err
			}
		}
		if err := idxBC.Delete(bucketClockKey(oldRow.Bucket, oldRow.Clock, id)); err != nil {
			return err
		}
	}

	if err := data.Put(id[:], encodeRow(row)); err != nil {
		return err
	}
	if row.Src != nil {
		if err := idxSrc.Put(srcLabelKey(*row.Src, row.Label, id), nil); err != nil {
			return err
		}
	}
	if row.Label != nil && row.Value != nil {
		if err := idxLV.Put(labelValueKey(*row.Label, row.Value, id), nil); err != nil {
			return err
		}
	}
	return idxBC.Put(bucketClockKey(row.Bucket, row.Clock, id), nil)
}

// scanIndex walks all index keys starting with prefix and hands the row id
// suffix of each to fn.
func scanIndex(b *bolt.Bucket, prefix []byte, fn func(id types.ObjectID) error) error {
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if len(k) < 16 {
			return fmt.Errorf("index key too short: %d bytes", len(k))
		}
		id, _ := types.ObjectIDFromBytes(k[len(k)-16:])
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) IDLabelValueBySrc(prefix, name string, src types.ObjectID) (map[types.ObjectID]LabelValue, error) {
	idx, err := t.bucket(srcLabelBucket(prefix, name))
	if err != nil {
		return nil, err
	}
	res := make(map[types.ObjectID]LabelValue)
	err = scanIndex(idx, src[:], func(id types.ObjectID) error {
		row, err := t.GetRow(prefix, name, id)
		if err != nil {
			return err
		}
		if row == nil || row.Value == nil {
			return nil
		}
		var label types.Label
		if row.Label != nil {
			label = *row.Label
		}
		res[id] = LabelValue{Label: label, Value: row.Value}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (t *boltTxn) IDValueBySrcLabel(prefix, name string, src types.ObjectID, label types.Label) (map[types.ObjectID][]byte, error) {
	idx, err := t.bucket(srcLabelBucket(prefix, name))
	if err != nil {
		return nil, err
	}
	keyPrefix := types.PutUint64(append([]byte(nil), src[:]...), uint64(label))
	res := make(map[types.ObjectID][]byte)
	err = scanIndex(idx, keyPrefix, func(id types.ObjectID) error {
		row, err := t.GetRow(prefix, name, id)
		if err != nil {
			return err
		}
		if row == nil || row.Value == nil {
			return nil
		}
		res[id] = row.Value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (t *boltTxn) IDSrcValueByLabel(prefix, name string, label types.Label) (map[types.ObjectID]SrcValue, error) {
	idx, err := t.bucket(labelValueBucket(prefix, name))
	if err != nil {
		return nil, err
	}
	keyPrefix := types.PutUint64(nil, uint64(label))
	res := make(map[types.ObjectID]SrcValue)
	err = scanIndex(idx, keyPrefix, func(id types.ObjectID) error {
		row, err := t.GetRow(prefix, name, id)
		if err != nil {
			return err
		}
		if row == nil || row.Value == nil || row.Src == nil {
			return nil
		}
		res[id] = SrcValue{Src: *row.Src, Value: row.Value}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (t *boltTxn) IDSrcByLabelValue(prefix, name string, label types.Label, value []byte) (map[types.ObjectID]types.ObjectID, error) {
	idx, err := t.bucket(labelValueBucket(prefix, name))
	if err != nil {
		return nil, err
	}
	res := make(map[types.ObjectID]types.ObjectID)
	err = scanIndex(idx, labelValuePrefix(label, value), func(id types.ObjectID) error {
		row, err := t.GetRow(prefix, name, id)
		if err != nil {
			return err
		}
		if row == nil || row.Src == nil {
			return nil
		}
		res[id] = *row.Src
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (t *boltTxn) ByBucketClockRange(prefix, name string, bucket types.Bucket, lower *types.Clock) (map[types.ObjectID]Row, error) {
	idx, err := t.bucket(bucketClockBucket(prefix, name))
	if err != nil {
		return nil, err
	}
	res := make(map[types.ObjectID]Row)
	start := types.Clock(0)
	if lower != nil {
		if *lower == ^types.Clock(0) {
			return res, nil
		}
		start = *lower + 1
	}
	bucketPrefix := types.PutUint64(nil, uint64(bucket))
	seek := types.PutUint64(append([]byte(nil), bucketPrefix...), uint64(start))
	c := idx.Cursor()
	for k, _ := c.Seek(seek); k != nil && bytes.HasPrefix(k, bucketPrefix); k, _ = c.Next() {
		if len(k) < 8+8+16 {
			return nil, fmt.Errorf("bucket-clock index key too short: %d bytes", len(k))
		}
		id, _ := types.ObjectIDFromBytes(k[len(k)-16:])
		row, err := t.GetRow(prefix, name, id)
		if err != nil {
			return nil, err
		}
		if row == nil {
			continue
		}
		res[id] = *row
	}
	return res, nil
}

func (t *boltTxn) InitMeta(prefix, name string) error {
	if _, err := t.tx.CreateBucketIfNotExists(metaBucket(prefix, name)); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", metaBucket(prefix, name), err)
	}
	return nil
}

func (t *boltTxn) MetaBuckets(prefix, name string) (map[types.Bucket]types.Clock, error) {
	b, err := t.bucket(metaBucket(prefix, name))
	if err != nil {
		return nil, err
	}
	res := make(map[types.Bucket]types.Clock)
	err = b.ForEach(func(k, v []byte) error {
		if len(k) != 8 || len(v) != 8 {
			return fmt.Errorf("malformed metadata row")
		}
		res[types.Bucket(types.Uint64(k))] = types.Clock(types.Uint64(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (t *boltTxn) MetaPut(prefix, name string, bucket types.Bucket, clock types.Clock) error {
	b, err := t.bucket(metaBucket(prefix, name))
	if err != nil {
		return err
	}
	return b.Put(types.PutUint64(nil, uint64(bucket)), types.PutUint64(nil, uint64(clock)))
}

func (t *boltTxn) InitHistory(prefix string) error {
	for _, b := range [][]byte{historyBucket(prefix), historyMetaBucket(prefix)} {
		if _, err := t.tx.CreateBucketIfNotExists(b); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", b, err)
		}
	}
	return nil
}

func historyKey(bucket types.Bucket, clock types.Clock) []byte {
	out := types.PutUint64(nil, uint64(bucket))
	return types.PutUint64(out, uint64(clock))
}

// History value layout: name-len(4) | name | action bytes.
func encodeHistoryValue(name string, action []byte) []byte {
	out := make([]byte, 0, 4+len(name)+len(action))
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(name)))
	out = append(out, n[:]...)
	out = append(out, name...)
	return append(out, action...)
}

func decodeHistoryValue(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("history row too short: %d bytes", len(data))
	}
	n := binary.BigEndian.Uint32(data[:4])
	if len(data) < int(4+n) {
		return "", nil, fmt.Errorf("history row truncated in structure name")
	}
	name := string(data[4 : 4+n])
	action := append([]byte(nil), data[4+n:]...)
	return name, action, nil
}

func (t *boltTxn) HistoryHas(prefix string, bucket types.Bucket, clock types.Clock) (bool, error) {
	b, err := t.bucket(historyBucket(prefix))
	if err != nil {
		return false, err
	}
	return b.Get(historyKey(bucket, clock)) != nil, nil
}

func (t *boltTxn) HistoryPut(prefix string, entry HistoryEntry) error {
	b, err := t.bucket(historyBucket(prefix))
	if err != nil {
		return err
	}
	return b.Put(historyKey(entry.Bucket, entry.Clock), encodeHistoryValue(entry.Name, entry.Action))
}

func (t *boltTxn) HistoryForEach(prefix string, fn func(HistoryEntry) error) error {
	b, err := t.bucket(historyBucket(prefix))
	if err != nil {
		return err
	}
	return b.ForEach(func(k, v []byte) error {
		if len(k) != 16 {
			return fmt.Errorf("malformed history key")
		}
		name, action, err := decodeHistoryValue(v)
		if err != nil {
			return err
		}
		return fn(HistoryEntry{
			Bucket: types.Bucket(types.Uint64(k[:8])),
			Clock:  types.Clock(types.Uint64(k[8:])),
			Name:   name,
			Action: action,
		})
	})
}

func (t *boltTxn) HistoryThis(prefix string) (types.Bucket, bool, error) {
	b, err := t.bucket(historyMetaBucket(prefix))
	if err != nil {
		return 0, false, err
	}
	v := b.Get(keyThis)
	if v == nil {
		return 0, false, nil
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("malformed replica identity row")
	}
	return types.Bucket(types.Uint64(v)), true, nil
}

func (t *boltTxn) HistorySetThis(prefix string, bucket types.Bucket) error {
	b, err := t.bucket(historyMetaBucket(prefix))
	if err != nil {
		return err
	}
	if b.Get(keyThis) != nil {
		return fmt.Errorf("replica identity already assigned")
	}
	return b.Put(keyThis, types.PutUint64(nil, uint64(bucket)))
}
