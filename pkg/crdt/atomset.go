package crdt

import (
	"bytes"
	"fmt"

	"github.com/quiltdb/quilt/pkg/events"
	"github.com/quiltdb/quilt/pkg/storage"
	"github.com/quiltdb/quilt/pkg/types"
)

// Item is one atom register cell: the stamp of the winning write and its
// optional (src, label, value) payload. A nil Value is a tombstone.
type Item struct {
	Stamp types.Stamp
	Value *types.AtomValue
}

// Mod is one pending staged write, exposed for event inspection before Save.
type Mod struct {
	ID   types.ObjectID
	Prev *types.AtomValue
	Curr *types.AtomValue
}

type atomModEntry struct {
	prev *Item // backend value at first touch, nil if the id was unwritten
	curr Item
}

// AtomSet is a last-writer-wins map from ObjectID to an optional
// (src, label, value) triple, backed by one register table and layered with
// an in-memory staging overlay so uncommitted writes stay queryable.
type AtomSet struct {
	meta *StructureMetadata
	mods map[types.ObjectID]*atomModEntry
	subs map[types.ObjectID][]types.Port
}

// NewAtomSet creates or loads the atom set stored under (prefix, name).
func NewAtomSet(txn storage.Txn, prefix, name string) (*AtomSet, error) {
	meta, err := NewStructureMetadata(txn, prefix, name)
	if err != nil {
		return nil, err
	}
	if err := txn.InitRegisters(prefix, name); err != nil {
		return nil, fmt.Errorf("init atom set %s.%s: %w", prefix, name, err)
	}
	return &AtomSet{
		meta: meta,
		mods: make(map[types.ObjectID]*atomModEntry),
		subs: make(map[types.ObjectID][]types.Port),
	}, nil
}

// Prefix returns the owning store's name.
func (s *AtomSet) Prefix() string {
	return s.meta.Prefix()
}

// Name returns the structure's name.
func (s *AtomSet) Name() string {
	return s.meta.Name()
}

// Buckets returns the current clock high-watermark per bucket.
func (s *AtomSet) Buckets() map[types.Bucket]types.Clock {
	return s.meta.Buckets()
}

// Next returns the clock a fresh local write should carry.
func (s *AtomSet) Next() types.Clock {
	return s.meta.Next()
}

// Mods returns the pending staged writes as (id, prev value, curr value).
func (s *AtomSet) Mods() []Mod {
	out := make([]Mod, 0, len(s.mods))
	for id, entry := range s.mods {
		var prev *types.AtomValue
		if entry.prev != nil {
			prev = entry.prev.Value
		}
		out = append(out, Mod{ID: id, Prev: prev, Curr: entry.curr.Value})
	}
	return out
}

func atomItemFromRow(row *storage.Row) (*Item, error) {
	if row == nil {
		return nil, nil
	}
	item := &Item{Stamp: row.Stamp()}
	if row.Value != nil {
		if row.Src == nil || row.Label == nil {
			return nil, fmt.Errorf("atom row with value but no src/label")
		}
		item.Value = &types.AtomValue{Src: *row.Src, Label: *row.Label, Value: row.Value}
	}
	return item, nil
}

func atomRowFromItem(item Item) *storage.Row {
	row := &storage.Row{Bucket: item.Stamp.Bucket, Clock: item.Stamp.Clock}
	if item.Value != nil {
		src := item.Value.Src
		label := item.Value.Label
		row.Src = &src
		row.Label = &label
		row.Value = item.Value.Value
		if row.Value == nil {
			row.Value = []byte{}
		}
	}
	return row
}

// Get returns the register cell for id, consulting staged writes first and
// falling back to the backend. A nil result means the id was never written.
func (s *AtomSet) Get(txn storage.Txn, id types.ObjectID) (*Item, error) {
	if entry, ok := s.mods[id]; ok {
		item := entry.curr
		return &item, nil
	}
	row, err := txn.GetRow(s.Prefix(), s.Name(), id)
	if err != nil {
		return nil, err
	}
	return atomItemFromRow(row)
}

func (s *AtomSet) stage(txn storage.Txn, id types.ObjectID, item Item) error {
	if entry, ok := s.mods[id]; ok {
		entry.curr = item
		return nil
	}
	row, err := txn.GetRow(s.Prefix(), s.Name(), id)
	if err != nil {
		return err
	}
	prev, err := atomItemFromRow(row)
	if err != nil {
		return err
	}
	s.mods[id] = &atomModEntry{prev: prev, curr: item}
	return nil
}

// Set stages a write gated by strict per-bucket clock monotonicity. It
// returns false, leaving the register untouched, when the clock does not
// advance the bucket's stored high-watermark.
func (s *AtomSet) Set(txn storage.Txn, id types.ObjectID, bucket types.Bucket, clock types.Clock, value *types.AtomValue) (bool, error) {
	if !s.meta.Update(bucket, clock) {
		return false, nil
	}
	item := Item{Stamp: types.Stamp{Bucket: bucket, Clock: clock}, Value: value.Clone()}
	if err := s.stage(txn, id, item); err != nil {
		return false, err
	}
	return true, nil
}

// Action mints a local write action stamped with (bucket, Next()).
func (s *AtomSet) Action(id types.ObjectID, value *types.AtomValue, bucket types.Bucket) types.AtomAction {
	return types.AtomAction{
		ID:    id,
		Value: value.Clone(),
		Stamp: types.Stamp{Bucket: bucket, Clock: s.Next()},
	}
}

// Apply merges an action into the set under the LWW order: the action wins
// only if its stamp is strictly newer than the register's current stamp.
// Accepted actions advance the structure metadata and notify subscribers of
// the id when the visible value changed. Rejected and duplicate actions are
// no-ops, which makes Apply idempotent and commutative.
func (s *AtomSet) Apply(txn storage.Txn, bus *events.Bus, action types.AtomAction) (bool, error) {
	cur, err := s.Get(txn, action.ID)
	if err != nil {
		return false, err
	}
	if cur != nil && !cur.Stamp.Less(action.Stamp) {
		return false, nil
	}
	s.meta.Update(action.Stamp.Bucket, action.Stamp.Clock)
	if err := s.stage(txn, action.ID, Item{Stamp: action.Stamp, Value: action.Value.Clone()}); err != nil {
		return false, err
	}

	var oldValue *types.AtomValue
	if cur != nil {
		oldValue = cur.Value
	}
	if !oldValue.Equal(action.Value) {
		for _, port := range s.subs[action.ID] {
			bus.PushAtom(port, action.Value.Clone())
		}
	}
	return true, nil
}

// Subscribe registers port for changes of id and immediately emits the
// current value as an initial snapshot. Duplicate subscriptions are kept;
// each receives its own events.
func (s *AtomSet) Subscribe(txn storage.Txn, bus *events.Bus, id types.ObjectID, port types.Port) error {
	s.subs[id] = append(s.subs[id], port)
	item, err := s.Get(txn, id)
	if err != nil {
		return err
	}
	var value *types.AtomValue
	if item != nil {
		value = item.Value.Clone()
	}
	bus.PushAtom(port, value)
	return nil
}

// Unsubscribe removes every subscription of (id, port). Removing an absent
// subscription is a no-op.
func (s *AtomSet) Unsubscribe(id types.ObjectID, port types.Port) {
	s.subs[id] = removePort(s.subs[id], port)
	if len(s.subs[id]) == 0 {
		delete(s.subs, id)
	}
}

func removePort(ports []types.Port, port types.Port) []types.Port {
	out := ports[:0]
	for _, p := range ports {
		if p != port {
			out = append(out, p)
		}
	}
	return out
}

// IDLabelValueBySrc returns (label, value) per id for atoms owned by src.
func (s *AtomSet) IDLabelValueBySrc(txn storage.Txn, src types.ObjectID) (map[types.ObjectID]storage.LabelValue, error) {
	res, err := txn.IDLabelValueBySrc(s.Prefix(), s.Name(), src)
	if err != nil {
		return nil, err
	}
	for id, entry := range s.mods {
		if v := entry.curr.Value; v != nil && v.Src == src {
			res[id] = storage.LabelValue{Label: v.Label, Value: v.Value}
		} else {
			delete(res, id)
		}
	}
	return res, nil
}

// IDValueBySrcLabel returns value per id for atoms matching (src, label).
func (s *AtomSet) IDValueBySrcLabel(txn storage.Txn, src types.ObjectID, label types.Label) (map[types.ObjectID][]byte, error) {
	res, err := txn.IDValueBySrcLabel(s.Prefix(), s.Name(), src, label)
	if err != nil {
		return nil, err
	}
	for id, entry := range s.mods {
		if v := entry.curr.Value; v != nil && v.Src == src && v.Label == label {
			res[id] = v.Value
		} else {
			delete(res, id)
		}
	}
	return res, nil
}

// IDSrcValueByLabel returns (src, value) per id for atoms carrying label.
func (s *AtomSet) IDSrcValueByLabel(txn storage.Txn, label types.Label) (map[types.ObjectID]storage.SrcValue, error) {
	res, err := txn.IDSrcValueByLabel(s.Prefix(), s.Name(), label)
	if err != nil {
		return nil, err
	}
	for id, entry := range s.mods {
		if v := entry.curr.Value; v != nil && v.Label == label {
			res[id] = storage.SrcValue{Src: v.Src, Value: v.Value}
		} else {
			delete(res, id)
		}
	}
	return res, nil
}

// IDSrcByLabelValue returns src per id for atoms matching (label, value).
func (s *AtomSet) IDSrcByLabelValue(txn storage.Txn, label types.Label, value []byte) (map[types.ObjectID]types.ObjectID, error) {
	res, err := txn.IDSrcByLabelValue(s.Prefix(), s.Name(), label, value)
	if err != nil {
		return nil, err
	}
	for id, entry := range s.mods {
		if v := entry.curr.Value; v != nil && v.Label == label && bytes.Equal(v.Value, value) {
			res[id] = v.Src
		} else {
			delete(res, id)
		}
	}
	return res, nil
}

// Actions returns every item whose stamp is strictly later than the given
// version vector; buckets absent from the vector contribute all their
// items. This is the low-level anti-entropy primitive.
func (s *AtomSet) Actions(txn storage.Txn, version map[types.Bucket]types.Clock) (map[types.ObjectID]Item, error) {
	res := make(map[types.ObjectID]Item)
	for bucket := range s.meta.Buckets() {
		var lower *types.Clock
		if c, ok := version[bucket]; ok {
			clock := c
			lower = &clock
		}
		rows, err := txn.ByBucketClockRange(s.Prefix(), s.Name(), bucket, lower)
		if err != nil {
			return nil, err
		}
		for id, row := range rows {
			r := row
			item, err := atomItemFromRow(&r)
			if err != nil {
				return nil, err
			}
			res[id] = *item
		}
	}
	for id, entry := range s.mods {
		lower, ok := version[entry.curr.Stamp.Bucket]
		if !ok || entry.curr.Stamp.Clock > lower {
			res[id] = entry.curr
		} else {
			delete(res, id)
		}
	}
	return res, nil
}

// Save flushes the staged writes to the backend, persists the metadata, and
// clears the staging map. It returns the flushed mods keyed by id.
func (s *AtomSet) Save(txn storage.Txn) (map[types.ObjectID]Mod, error) {
	if err := s.meta.Save(txn); err != nil {
		return nil, err
	}
	out := make(map[types.ObjectID]Mod, len(s.mods))
	for id, entry := range s.mods {
		if err := txn.PutRow(s.Prefix(), s.Name(), id, atomRowFromItem(entry.curr)); err != nil {
			return nil, fmt.Errorf("save atom set %s.%s: %w", s.Prefix(), s.Name(), err)
		}
		var prev *types.AtomValue
		if entry.prev != nil {
			prev = entry.prev.Value
		}
		out[id] = Mod{ID: id, Prev: prev, Curr: entry.curr.Value}
	}
	s.mods = make(map[types.ObjectID]*atomModEntry)
	return out, nil
}
