package crdt

import (
	"fmt"
	"sort"

	"github.com/quiltdb/quilt/pkg/events"
	"github.com/quiltdb/quilt/pkg/storage"
	"github.com/quiltdb/quilt/pkg/types"
)

// Register table names under the graph's shared metadata. Storing the edge
// destination in the value column makes the (label, value) index double as
// a (label, dst) index, which serves the backedge query.
const (
	graphMetaName = "graph"
	nodeTableName = "graph.node"
	atomTableName = "graph.atom"
	edgeTableName = "graph.edge"
)

// NodeItem is one vertex register cell.
type NodeItem struct {
	Stamp types.Stamp
	Value *types.NodeValue
}

// GraphAtomItem is one graph atom register cell.
type GraphAtomItem struct {
	Stamp types.Stamp
	Value *types.GraphAtomValue
}

// EdgeItem is one edge register cell.
type EdgeItem struct {
	Stamp types.Stamp
	Value *types.EdgeValue
}

type nodeModEntry struct {
	prev *NodeItem
	curr NodeItem
}

type graphAtomModEntry struct {
	prev *GraphAtomItem
	curr GraphAtomItem
}

type edgeModEntry struct {
	prev *EdgeItem
	curr EdgeItem
}

// SrcLabel keys a forward adjacency subscription.
type SrcLabel struct {
	Src   types.ObjectID
	Label types.Label
}

// DstLabel keys a reverse adjacency subscription.
type DstLabel struct {
	Dst   types.ObjectID
	Label types.Label
}

// Graph is a last-writer-wins object graph: three co-resident register
// families (vertices, atoms, edges) over one shared StructureMetadata.
// Storage holds all three independently; reads are referential-integrity
// filtered, hiding atoms and edges whose referenced vertices are absent.
type Graph struct {
	meta *StructureMetadata

	nodeMods map[types.ObjectID]*nodeModEntry
	atomMods map[types.ObjectID]*graphAtomModEntry
	edgeMods map[types.ObjectID]*edgeModEntry

	nodeSubs  map[types.ObjectID][]types.Port
	edgeSubs  map[types.ObjectID][]types.Port
	multiSubs map[SrcLabel][]types.Port
	backSubs  map[DstLabel][]types.Port
}

// NewGraph creates or loads the object graph stored under prefix.
func NewGraph(txn storage.Txn, prefix string) (*Graph, error) {
	meta, err := NewStructureMetadata(txn, prefix, graphMetaName)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{nodeTableName, atomTableName, edgeTableName} {
		if err := txn.InitRegisters(prefix, name); err != nil {
			return nil, fmt.Errorf("init graph %s.%s: %w", prefix, name, err)
		}
	}
	return &Graph{
		meta:      meta,
		nodeMods:  make(map[types.ObjectID]*nodeModEntry),
		atomMods:  make(map[types.ObjectID]*graphAtomModEntry),
		edgeMods:  make(map[types.ObjectID]*edgeModEntry),
		nodeSubs:  make(map[types.ObjectID][]types.Port),
		edgeSubs:  make(map[types.ObjectID][]types.Port),
		multiSubs: make(map[SrcLabel][]types.Port),
		backSubs:  make(map[DstLabel][]types.Port),
	}, nil
}

// Prefix returns the owning store's name.
func (g *Graph) Prefix() string {
	return g.meta.Prefix()
}

// Buckets returns the current clock high-watermark per bucket.
func (g *Graph) Buckets() map[types.Bucket]types.Clock {
	return g.meta.Buckets()
}

// Next returns the clock a fresh local write should carry. The three
// register families share one metadata table, so locally minted stamps are
// unique across them.
func (g *Graph) Next() types.Clock {
	return g.meta.Next()
}

// Row conversions. A vertex stores its payload big-endian in the value
// column; an edge stores its destination there, so the (label, value)
// index resolves (label, dst) lookups.

func nodeItemFromRow(row *storage.Row) *NodeItem {
	if row == nil {
		return nil
	}
	item := &NodeItem{Stamp: row.Stamp()}
	if row.Value != nil {
		item.Value = &types.NodeValue{Value: types.Uint64(row.Value)}
	}
	return item
}

func nodeRowFromItem(item NodeItem) *storage.Row {
	row := &storage.Row{Bucket: item.Stamp.Bucket, Clock: item.Stamp.Clock}
	if item.Value != nil {
		row.Value = types.PutUint64(nil, item.Value.Value)
	}
	return row
}

func graphAtomItemFromRow(row *storage.Row) (*GraphAtomItem, error) {
	if row == nil {
		return nil, nil
	}
	item := &GraphAtomItem{Stamp: row.Stamp()}
	if row.Value != nil {
		if row.Src == nil {
			return nil, fmt.Errorf("graph atom row with value but no src")
		}
		item.Value = &types.GraphAtomValue{Src: *row.Src, Value: row.Value}
	}
	return item, nil
}

func graphAtomRowFromItem(item GraphAtomItem) *storage.Row {
	row := &storage.Row{Bucket: item.Stamp.Bucket, Clock: item.Stamp.Clock}
	if item.Value != nil {
		src := item.Value.Src
		row.Src = &src
		row.Value = item.Value.Value
		if row.Value == nil {
			row.Value = []byte{}
		}
	}
	return row
}

func edgeItemFromRow(row *storage.Row) (*EdgeItem, error) {
	if row == nil {
		return nil, nil
	}
	item := &EdgeItem{Stamp: row.Stamp()}
	if row.Value != nil {
		if row.Src == nil || row.Label == nil {
			return nil, fmt.Errorf("edge row with value but no src/label")
		}
		dst, err := types.ObjectIDFromBytes(row.Value)
		if err != nil {
			return nil, fmt.Errorf("edge row destination: %w", err)
		}
		item.Value = &types.EdgeValue{Src: *row.Src, Label: *row.Label, Dst: dst}
	}
	return item, nil
}

func edgeRowFromItem(item EdgeItem) *storage.Row {
	row := &storage.Row{Bucket: item.Stamp.Bucket, Clock: item.Stamp.Clock}
	if item.Value != nil {
		src := item.Value.Src
		label := item.Value.Label
		row.Src = &src
		row.Label = &label
		row.Value = item.Value.Dst.Bytes()
	}
	return row
}

// Raw register reads: staged writes first, backend second. No referential
// filtering.

func (g *Graph) nodeRaw(txn storage.Txn, id types.ObjectID) (*NodeItem, error) {
	if entry, ok := g.nodeMods[id]; ok {
		item := entry.curr
		return &item, nil
	}
	row, err := txn.GetRow(g.Prefix(), nodeTableName, id)
	if err != nil {
		return nil, err
	}
	return nodeItemFromRow(row), nil
}

func (g *Graph) atomRaw(txn storage.Txn, id types.ObjectID) (*GraphAtomItem, error) {
	if entry, ok := g.atomMods[id]; ok {
		item := entry.curr
		return &item, nil
	}
	row, err := txn.GetRow(g.Prefix(), atomTableName, id)
	if err != nil {
		return nil, err
	}
	return graphAtomItemFromRow(row)
}

func (g *Graph) edgeRaw(txn storage.Txn, id types.ObjectID) (*EdgeItem, error) {
	if entry, ok := g.edgeMods[id]; ok {
		item := entry.curr
		return &item, nil
	}
	row, err := txn.GetRow(g.Prefix(), edgeTableName, id)
	if err != nil {
		return nil, err
	}
	return edgeItemFromRow(row)
}

func (g *Graph) nodeVisible(txn storage.Txn, id types.ObjectID) (bool, error) {
	item, err := g.nodeRaw(txn, id)
	if err != nil {
		return false, err
	}
	return item != nil && item.Value != nil, nil
}

// Node returns the vertex payload, or nil if the vertex is absent.
func (g *Graph) Node(txn storage.Txn, id types.ObjectID) (*types.NodeValue, error) {
	item, err := g.nodeRaw(txn, id)
	if err != nil || item == nil {
		return nil, err
	}
	return item.Value, nil
}

// Atom returns the graph atom payload, hidden when its source vertex is
// absent.
func (g *Graph) Atom(txn storage.Txn, id types.ObjectID) (*types.GraphAtomValue, error) {
	item, err := g.atomRaw(txn, id)
	if err != nil || item == nil || item.Value == nil {
		return nil, err
	}
	visible, err := g.nodeVisible(txn, item.Value.Src)
	if err != nil || !visible {
		return nil, err
	}
	return item.Value, nil
}

// Edge returns the edge value, hidden unless both endpoint vertices are
// present.
func (g *Graph) Edge(txn storage.Txn, id types.ObjectID) (*types.EdgeValue, error) {
	item, err := g.edgeRaw(txn, id)
	if err != nil || item == nil || item.Value == nil {
		return nil, err
	}
	if visible, err := g.nodeVisible(txn, item.Value.Src); err != nil || !visible {
		return nil, err
	}
	if visible, err := g.nodeVisible(txn, item.Value.Dst); err != nil || !visible {
		return nil, err
	}
	return item.Value, nil
}

// Unfiltered adjacency candidates: backend index result composed with the
// staging overlay. The overlay may both add ids whose pending value matches
// the predicate and remove ids whose pending value left it.

func (g *Graph) edgesBySrcRaw(txn storage.Txn, src types.ObjectID) (map[types.ObjectID]types.EdgeValue, error) {
	rows, err := txn.IDLabelValueBySrc(g.Prefix(), edgeTableName, src)
	if err != nil {
		return nil, err
	}
	res := make(map[types.ObjectID]types.EdgeValue, len(rows))
	for id, lv := range rows {
		dst, err := types.ObjectIDFromBytes(lv.Value)
		if err != nil {
			return nil, fmt.Errorf("edge index row: %w", err)
		}
		res[id] = types.EdgeValue{Src: src, Label: lv.Label, Dst: dst}
	}
	for id, entry := range g.edgeMods {
		if v := entry.curr.Value; v != nil && v.Src == src {
			res[id] = *v
		} else {
			delete(res, id)
		}
	}
	return res, nil
}

func (g *Graph) edgesBySrcLabelRaw(txn storage.Txn, src types.ObjectID, label types.Label) (map[types.ObjectID]types.EdgeValue, error) {
	rows, err := txn.IDValueBySrcLabel(g.Prefix(), edgeTableName, src, label)
	if err != nil {
		return nil, err
	}
	res := make(map[types.ObjectID]types.EdgeValue, len(rows))
	for id, value := range rows {
		dst, err := types.ObjectIDFromBytes(value)
		if err != nil {
			return nil, fmt.Errorf("edge index row: %w", err)
		}
		res[id] = types.EdgeValue{Src: src, Label: label, Dst: dst}
	}
	for id, entry := range g.edgeMods {
		if v := entry.curr.Value; v != nil && v.Src == src && v.Label == label {
			res[id] = *v
		} else {
			delete(res, id)
		}
	}
	return res, nil
}

func (g *Graph) edgesByDstLabelRaw(txn storage.Txn, dst types.ObjectID, label types.Label) (map[types.ObjectID]types.EdgeValue, error) {
	rows, err := txn.IDSrcByLabelValue(g.Prefix(), edgeTableName, label, dst.Bytes())
	if err != nil {
		return nil, err
	}
	res := make(map[types.ObjectID]types.EdgeValue, len(rows))
	for id, src := range rows {
		res[id] = types.EdgeValue{Src: src, Label: label, Dst: dst}
	}
	for id, entry := range g.edgeMods {
		if v := entry.curr.Value; v != nil && v.Dst == dst && v.Label == label {
			res[id] = *v
		} else {
			delete(res, id)
		}
	}
	return res, nil
}

func (g *Graph) filterAndSort(txn storage.Txn, candidates map[types.ObjectID]types.EdgeValue) ([]types.ObjectID, error) {
	out := make([]types.ObjectID, 0, len(candidates))
	for id, v := range candidates {
		srcVisible, err := g.nodeVisible(txn, v.Src)
		if err != nil {
			return nil, err
		}
		if !srcVisible {
			continue
		}
		dstVisible, err := g.nodeVisible(txn, v.Dst)
		if err != nil {
			return nil, err
		}
		if dstVisible {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

// QueryEdgeSrc returns the ids of visible edges leaving src, ascending.
func (g *Graph) QueryEdgeSrc(txn storage.Txn, src types.ObjectID) ([]types.ObjectID, error) {
	candidates, err := g.edgesBySrcRaw(txn, src)
	if err != nil {
		return nil, err
	}
	return g.filterAndSort(txn, candidates)
}

// QueryEdgeSrcLabel returns the ids of visible edges leaving src with the
// given label, ascending.
func (g *Graph) QueryEdgeSrcLabel(txn storage.Txn, src types.ObjectID, label types.Label) ([]types.ObjectID, error) {
	candidates, err := g.edgesBySrcLabelRaw(txn, src, label)
	if err != nil {
		return nil, err
	}
	return g.filterAndSort(txn, candidates)
}

// QueryEdgeDstLabel returns the ids of visible edges arriving at dst with
// the given label, ascending.
func (g *Graph) QueryEdgeDstLabel(txn storage.Txn, dst types.ObjectID, label types.Label) ([]types.ObjectID, error) {
	candidates, err := g.edgesByDstLabelRaw(txn, dst, label)
	if err != nil {
		return nil, err
	}
	return g.filterAndSort(txn, candidates)
}

// Action constructors mint structure-scoped actions stamped with
// (bucket, Next()).

// ActionNode builds a vertex write action.
func (g *Graph) ActionNode(id types.ObjectID, value *types.NodeValue, bucket types.Bucket) types.GraphAction {
	var v *types.NodeValue
	if value != nil {
		copied := *value
		v = &copied
	}
	return types.GraphAction{
		Kind:  types.GraphActionNode,
		ID:    id,
		Stamp: types.Stamp{Bucket: bucket, Clock: g.Next()},
		Node:  v,
	}
}

// ActionAtom builds a graph atom write action.
func (g *Graph) ActionAtom(id types.ObjectID, value *types.GraphAtomValue, bucket types.Bucket) types.GraphAction {
	return types.GraphAction{
		Kind:  types.GraphActionAtom,
		ID:    id,
		Stamp: types.Stamp{Bucket: bucket, Clock: g.Next()},
		Atom:  value.Clone(),
	}
}

// ActionEdge builds an edge write action.
func (g *Graph) ActionEdge(id types.ObjectID, value *types.EdgeValue, bucket types.Bucket) types.GraphAction {
	var v *types.EdgeValue
	if value != nil {
		copied := *value
		v = &copied
	}
	return types.GraphAction{
		Kind:  types.GraphActionEdge,
		ID:    id,
		Stamp: types.Stamp{Bucket: bucket, Clock: g.Next()},
		Edge:  v,
	}
}

// Local write primitives gated by strict per-bucket clock monotonicity,
// mirroring AtomSet.Set. They stage without emitting events.

// SetNode stages a vertex write; false means the clock was stale.
func (g *Graph) SetNode(txn storage.Txn, id types.ObjectID, bucket types.Bucket, clock types.Clock, value *types.NodeValue) (bool, error) {
	if !g.meta.Update(bucket, clock) {
		return false, nil
	}
	item := NodeItem{Stamp: types.Stamp{Bucket: bucket, Clock: clock}}
	if value != nil {
		copied := *value
		item.Value = &copied
	}
	return true, g.stageNode(txn, id, item)
}

// SetAtom stages a graph atom write; false means the clock was stale.
func (g *Graph) SetAtom(txn storage.Txn, id types.ObjectID, bucket types.Bucket, clock types.Clock, value *types.GraphAtomValue) (bool, error) {
	if !g.meta.Update(bucket, clock) {
		return false, nil
	}
	item := GraphAtomItem{Stamp: types.Stamp{Bucket: bucket, Clock: clock}, Value: value.Clone()}
	return true, g.stageAtom(txn, id, item)
}

// SetEdge stages an edge write; false means the clock was stale.
func (g *Graph) SetEdge(txn storage.Txn, id types.ObjectID, bucket types.Bucket, clock types.Clock, value *types.EdgeValue) (bool, error) {
	if !g.meta.Update(bucket, clock) {
		return false, nil
	}
	item := EdgeItem{Stamp: types.Stamp{Bucket: bucket, Clock: clock}}
	if value != nil {
		copied := *value
		item.Value = &copied
	}
	return true, g.stageEdge(txn, id, item)
}

func (g *Graph) stageNode(txn storage.Txn, id types.ObjectID, item NodeItem) error {
	if entry, ok := g.nodeMods[id]; ok {
		entry.curr = item
		return nil
	}
	row, err := txn.GetRow(g.Prefix(), nodeTableName, id)
	if err != nil {
		return err
	}
	g.nodeMods[id] = &nodeModEntry{prev: nodeItemFromRow(row), curr: item}
	return nil
}

func (g *Graph) stageAtom(txn storage.Txn, id types.ObjectID, item GraphAtomItem) error {
	if entry, ok := g.atomMods[id]; ok {
		entry.curr = item
		return nil
	}
	row, err := txn.GetRow(g.Prefix(), atomTableName, id)
	if err != nil {
		return err
	}
	prev, err := graphAtomItemFromRow(row)
	if err != nil {
		return err
	}
	g.atomMods[id] = &graphAtomModEntry{prev: prev, curr: item}
	return nil
}

func (g *Graph) stageEdge(txn storage.Txn, id types.ObjectID, item EdgeItem) error {
	if entry, ok := g.edgeMods[id]; ok {
		entry.curr = item
		return nil
	}
	row, err := txn.GetRow(g.Prefix(), edgeTableName, id)
	if err != nil {
		return err
	}
	prev, err := edgeItemFromRow(row)
	if err != nil {
		return err
	}
	g.edgeMods[id] = &edgeModEntry{prev: prev, curr: item}
	return nil
}

// Apply merges an action into the graph under the LWW order and advances
// the structure metadata. Stale and duplicate actions are no-ops. Accepted
// applies notify per-id subscribers whose read-filtered value changed, and
// adjacency subscribers whose result set gained or lost the edge.
func (g *Graph) Apply(txn storage.Txn, bus *events.Bus, action types.GraphAction) (bool, error) {
	switch action.Kind {
	case types.GraphActionNode:
		return g.applyNode(txn, bus, action)
	case types.GraphActionAtom:
		return g.applyAtom(txn, action)
	case types.GraphActionEdge:
		return g.applyEdge(txn, bus, action)
	default:
		return false, fmt.Errorf("unknown graph action kind %d", action.Kind)
	}
}

func (g *Graph) applyNode(txn storage.Txn, bus *events.Bus, action types.GraphAction) (bool, error) {
	cur, err := g.nodeRaw(txn, action.ID)
	if err != nil {
		return false, err
	}
	if cur != nil && !cur.Stamp.Less(action.Stamp) {
		return false, nil
	}
	g.meta.Update(action.Stamp.Bucket, action.Stamp.Clock)

	var oldValue *types.NodeValue
	if cur != nil {
		oldValue = cur.Value
	}
	item := NodeItem{Stamp: action.Stamp}
	if action.Node != nil {
		copied := *action.Node
		item.Value = &copied
	}
	if err := g.stageNode(txn, action.ID, item); err != nil {
		return false, err
	}

	if !oldValue.Equal(action.Node) {
		for _, port := range g.nodeSubs[action.ID] {
			bus.PushNode(port, item.Value)
		}
	}

	oldVisible := oldValue != nil
	newVisible := item.Value != nil
	if oldVisible != newVisible {
		if err := g.rippleNodeFlip(txn, bus, action.ID, newVisible); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (g *Graph) applyAtom(txn storage.Txn, action types.GraphAction) (bool, error) {
	cur, err := g.atomRaw(txn, action.ID)
	if err != nil {
		return false, err
	}
	if cur != nil && !cur.Stamp.Less(action.Stamp) {
		return false, nil
	}
	g.meta.Update(action.Stamp.Bucket, action.Stamp.Clock)
	item := GraphAtomItem{Stamp: action.Stamp, Value: action.Atom.Clone()}
	return true, g.stageAtom(txn, action.ID, item)
}

func (g *Graph) applyEdge(txn storage.Txn, bus *events.Bus, action types.GraphAction) (bool, error) {
	cur, err := g.edgeRaw(txn, action.ID)
	if err != nil {
		return false, err
	}
	if cur != nil && !cur.Stamp.Less(action.Stamp) {
		return false, nil
	}
	g.meta.Update(action.Stamp.Bucket, action.Stamp.Clock)

	var oldValue *types.EdgeValue
	if cur != nil {
		oldValue = cur.Value
	}
	oldVisible, err := g.edgeValueVisible(txn, oldValue)
	if err != nil {
		return false, err
	}

	item := EdgeItem{Stamp: action.Stamp}
	if action.Edge != nil {
		copied := *action.Edge
		item.Value = &copied
	}
	if err := g.stageEdge(txn, action.ID, item); err != nil {
		return false, err
	}
	newVisible, err := g.edgeValueVisible(txn, item.Value)
	if err != nil {
		return false, err
	}

	var oldFiltered, newFiltered *types.EdgeValue
	if oldVisible {
		oldFiltered = oldValue
	}
	if newVisible {
		newFiltered = item.Value
	}
	if !oldFiltered.Equal(newFiltered) {
		for _, port := range g.edgeSubs[action.ID] {
			bus.PushEdge(port, newFiltered)
		}
	}

	g.emitEdgeSetDeltas(bus, action.ID, oldValue, oldVisible, item.Value, newVisible)
	return true, nil
}

func (g *Graph) edgeValueVisible(txn storage.Txn, value *types.EdgeValue) (bool, error) {
	if value == nil {
		return false, nil
	}
	srcVisible, err := g.nodeVisible(txn, value.Src)
	if err != nil || !srcVisible {
		return false, err
	}
	return g.nodeVisible(txn, value.Dst)
}

// emitEdgeSetDeltas reports the edge's entry into and exit from the
// adjacency sets watched by multiedge and backedge subscribers.
func (g *Graph) emitEdgeSetDeltas(bus *events.Bus, id types.ObjectID, oldValue *types.EdgeValue, oldVisible bool, newValue *types.EdgeValue, newVisible bool) {
	oldInOld := oldVisible && oldValue != nil
	newInNew := newVisible && newValue != nil

	// Forward sets keyed by (src, label).
	var oldFwd, newFwd *SrcLabel
	if oldInOld {
		oldFwd = &SrcLabel{Src: oldValue.Src, Label: oldValue.Label}
	}
	if newInNew {
		newFwd = &SrcLabel{Src: newValue.Src, Label: newValue.Label}
	}
	if oldFwd != nil && (newFwd == nil || *newFwd != *oldFwd) {
		for _, port := range g.multiSubs[*oldFwd] {
			bus.PushIDSet(port, events.SetEvent{Kind: events.SetRemove, ID: id})
		}
	}
	if newFwd != nil && (oldFwd == nil || *oldFwd != *newFwd) {
		for _, port := range g.multiSubs[*newFwd] {
			bus.PushIDSet(port, events.SetEvent{Kind: events.SetInsert, ID: id})
		}
	}

	// Reverse sets keyed by (dst, label).
	var oldBack, newBack *DstLabel
	if oldInOld {
		oldBack = &DstLabel{Dst: oldValue.Dst, Label: oldValue.Label}
	}
	if newInNew {
		newBack = &DstLabel{Dst: newValue.Dst, Label: newValue.Label}
	}
	if oldBack != nil && (newBack == nil || *newBack != *oldBack) {
		for _, port := range g.backSubs[*oldBack] {
			bus.PushIDSet(port, events.SetEvent{Kind: events.SetRemove, ID: id})
		}
	}
	if newBack != nil && (oldBack == nil || *oldBack != *newBack) {
		for _, port := range g.backSubs[*newBack] {
			bus.PushIDSet(port, events.SetEvent{Kind: events.SetInsert, ID: id})
		}
	}
}

// rippleNodeFlip re-evaluates every subscription whose result depends on
// the flipped vertex. The flip is already staged, so nodeVisible reflects
// the new state; the old state differs only at the flipped id.
func (g *Graph) rippleNodeFlip(txn storage.Txn, bus *events.Bus, node types.ObjectID, nowVisible bool) error {
	endpointVisible := func(id types.ObjectID, flippedVisible bool) (bool, error) {
		if id == node {
			return flippedVisible, nil
		}
		return g.nodeVisible(txn, id)
	}
	visibility := func(v *types.EdgeValue, flippedVisible bool) (bool, error) {
		if v == nil {
			return false, nil
		}
		src, err := endpointVisible(v.Src, flippedVisible)
		if err != nil || !src {
			return false, err
		}
		return endpointVisible(v.Dst, flippedVisible)
	}

	for id, ports := range g.edgeSubs {
		item, err := g.edgeRaw(txn, id)
		if err != nil {
			return err
		}
		if item == nil || item.Value == nil {
			continue
		}
		if item.Value.Src != node && item.Value.Dst != node {
			continue
		}
		oldVisible, err := visibility(item.Value, !nowVisible)
		if err != nil {
			return err
		}
		newVisible, err := visibility(item.Value, nowVisible)
		if err != nil {
			return err
		}
		if oldVisible == newVisible {
			continue
		}
		var value *types.EdgeValue
		if newVisible {
			value = item.Value
		}
		for _, port := range ports {
			bus.PushEdge(port, value)
		}
	}

	for key, ports := range g.multiSubs {
		candidates, err := g.edgesBySrcLabelRaw(txn, key.Src, key.Label)
		if err != nil {
			return err
		}
		if err := g.emitFlipDeltas(bus, ports, candidates, node, nowVisible, visibility); err != nil {
			return err
		}
	}
	for key, ports := range g.backSubs {
		candidates, err := g.edgesByDstLabelRaw(txn, key.Dst, key.Label)
		if err != nil {
			return err
		}
		if err := g.emitFlipDeltas(bus, ports, candidates, node, nowVisible, visibility); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) emitFlipDeltas(bus *events.Bus, ports []types.Port, candidates map[types.ObjectID]types.EdgeValue, node types.ObjectID, nowVisible bool, visibility func(*types.EdgeValue, bool) (bool, error)) error {
	ids := make([]types.ObjectID, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })

	for _, id := range ids {
		v := candidates[id]
		if v.Src != node && v.Dst != node {
			continue
		}
		oldVisible, err := visibility(&v, !nowVisible)
		if err != nil {
			return err
		}
		newVisible, err := visibility(&v, nowVisible)
		if err != nil {
			return err
		}
		if oldVisible == newVisible {
			continue
		}
		kind := events.SetRemove
		if newVisible {
			kind = events.SetInsert
		}
		for _, port := range ports {
			bus.PushIDSet(port, events.SetEvent{Kind: kind, ID: id})
		}
	}
	return nil
}

// Subscriptions. Each subscribe emits the current read-filtered state once
// as an initial snapshot; unsubscribe flushes nothing.

// SubscribeNode registers port for vertex id and emits a snapshot.
func (g *Graph) SubscribeNode(txn storage.Txn, bus *events.Bus, id types.ObjectID, port types.Port) error {
	g.nodeSubs[id] = append(g.nodeSubs[id], port)
	value, err := g.Node(txn, id)
	if err != nil {
		return err
	}
	bus.PushNode(port, value)
	return nil
}

// UnsubscribeNode removes the (id, port) subscription.
func (g *Graph) UnsubscribeNode(id types.ObjectID, port types.Port) {
	g.nodeSubs[id] = removePort(g.nodeSubs[id], port)
	if len(g.nodeSubs[id]) == 0 {
		delete(g.nodeSubs, id)
	}
}

// SubscribeEdge registers port for edge id and emits a snapshot.
func (g *Graph) SubscribeEdge(txn storage.Txn, bus *events.Bus, id types.ObjectID, port types.Port) error {
	g.edgeSubs[id] = append(g.edgeSubs[id], port)
	value, err := g.Edge(txn, id)
	if err != nil {
		return err
	}
	bus.PushEdge(port, value)
	return nil
}

// UnsubscribeEdge removes the (id, port) subscription.
func (g *Graph) UnsubscribeEdge(id types.ObjectID, port types.Port) {
	g.edgeSubs[id] = removePort(g.edgeSubs[id], port)
	if len(g.edgeSubs[id]) == 0 {
		delete(g.edgeSubs, id)
	}
}

// SubscribeMultiedge registers port for the (src, label) adjacency set and
// emits an insert per current member as the snapshot.
func (g *Graph) SubscribeMultiedge(txn storage.Txn, bus *events.Bus, src types.ObjectID, label types.Label, port types.Port) error {
	key := SrcLabel{Src: src, Label: label}
	g.multiSubs[key] = append(g.multiSubs[key], port)
	ids, err := g.QueryEdgeSrcLabel(txn, src, label)
	if err != nil {
		return err
	}
	for _, id := range ids {
		bus.PushIDSet(port, events.SetEvent{Kind: events.SetInsert, ID: id})
	}
	return nil
}

// UnsubscribeMultiedge removes the ((src, label), port) subscription.
func (g *Graph) UnsubscribeMultiedge(src types.ObjectID, label types.Label, port types.Port) {
	key := SrcLabel{Src: src, Label: label}
	g.multiSubs[key] = removePort(g.multiSubs[key], port)
	if len(g.multiSubs[key]) == 0 {
		delete(g.multiSubs, key)
	}
}

// SubscribeBackedge registers port for the (dst, label) reverse adjacency
// set and emits an insert per current member as the snapshot.
func (g *Graph) SubscribeBackedge(txn storage.Txn, bus *events.Bus, dst types.ObjectID, label types.Label, port types.Port) error {
	key := DstLabel{Dst: dst, Label: label}
	g.backSubs[key] = append(g.backSubs[key], port)
	ids, err := g.QueryEdgeDstLabel(txn, dst, label)
	if err != nil {
		return err
	}
	for _, id := range ids {
		bus.PushIDSet(port, events.SetEvent{Kind: events.SetInsert, ID: id})
	}
	return nil
}

// UnsubscribeBackedge removes the ((dst, label), port) subscription.
func (g *Graph) UnsubscribeBackedge(dst types.ObjectID, label types.Label, port types.Port) {
	key := DstLabel{Dst: dst, Label: label}
	g.backSubs[key] = removePort(g.backSubs[key], port)
	if len(g.backSubs[key]) == 0 {
		delete(g.backSubs, key)
	}
}

// Save flushes all staged register writes, persists the shared metadata,
// and clears the staging maps.
func (g *Graph) Save(txn storage.Txn) error {
	if err := g.meta.Save(txn); err != nil {
		return err
	}
	for id, entry := range g.nodeMods {
		if err := txn.PutRow(g.Prefix(), nodeTableName, id, nodeRowFromItem(entry.curr)); err != nil {
			return fmt.Errorf("save graph nodes: %w", err)
		}
	}
	for id, entry := range g.atomMods {
		if err := txn.PutRow(g.Prefix(), atomTableName, id, graphAtomRowFromItem(entry.curr)); err != nil {
			return fmt.Errorf("save graph atoms: %w", err)
		}
	}
	for id, entry := range g.edgeMods {
		if err := txn.PutRow(g.Prefix(), edgeTableName, id, edgeRowFromItem(entry.curr)); err != nil {
			return fmt.Errorf("save graph edges: %w", err)
		}
	}
	g.nodeMods = make(map[types.ObjectID]*nodeModEntry)
	g.atomMods = make(map[types.ObjectID]*graphAtomModEntry)
	g.edgeMods = make(map[types.ObjectID]*edgeModEntry)
	return nil
}
