package events

import (
	"github.com/quiltdb/quilt/pkg/types"
)

// SetEventKind distinguishes entry and exit of an id from an adjacency set.
type SetEventKind uint8

const (
	SetInsert SetEventKind = iota
	SetRemove
)

func (k SetEventKind) String() string {
	if k == SetInsert {
		return "insert"
	}
	return "remove"
}

// SetEvent reports one membership change of an adjacency query result.
type SetEvent struct {
	Kind SetEventKind
	ID   types.ObjectID
}

// AtomEvent carries the new read value of a subscribed atom register.
type AtomEvent struct {
	Port  types.Port
	Value *types.AtomValue
}

// NodeEvent carries the new read value of a subscribed vertex register.
type NodeEvent struct {
	Port  types.Port
	Value *types.NodeValue
}

// EdgeEvent carries the new read-filtered value of a subscribed edge
// register.
type EdgeEvent struct {
	Port  types.Port
	Value *types.EdgeValue
}

// IDSetEvent carries one membership delta of a subscribed adjacency query.
type IDSetEvent struct {
	Port  types.Port
	Event SetEvent
}

// Batch is the drained contents of a Bus: every event buffered since the
// previous drain, grouped by kind in emission order.
type Batch struct {
	Atoms  []AtomEvent
	Nodes  []NodeEvent
	Edges  []EdgeEvent
	IDSets []IDSetEvent
}

// Empty reports whether the batch carries no events.
func (b Batch) Empty() bool {
	return len(b.Atoms) == 0 && len(b.Nodes) == 0 && len(b.Edges) == 0 && len(b.IDSets) == 0
}

// Len returns the total event count across all four kinds.
func (b Batch) Len() int {
	return len(b.Atoms) + len(b.Nodes) + len(b.Edges) + len(b.IDSets)
}

// Bus buffers subscription events raised while a transaction is applying
// writes. It is drained by the host after commit and is never persisted;
// events buffered in a transaction that rolls back are discarded with it.
type Bus struct {
	batch Batch
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// PushAtom buffers an atom register change for port.
func (b *Bus) PushAtom(port types.Port, value *types.AtomValue) {
	b.batch.Atoms = append(b.batch.Atoms, AtomEvent{Port: port, Value: value})
}

// PushNode buffers a vertex register change for port.
func (b *Bus) PushNode(port types.Port, value *types.NodeValue) {
	b.batch.Nodes = append(b.batch.Nodes, NodeEvent{Port: port, Value: value})
}

// PushEdge buffers an edge register change for port.
func (b *Bus) PushEdge(port types.Port, value *types.EdgeValue) {
	b.batch.Edges = append(b.batch.Edges, EdgeEvent{Port: port, Value: value})
}

// PushIDSet buffers an adjacency membership delta for port.
func (b *Bus) PushIDSet(port types.Port, event SetEvent) {
	b.batch.IDSets = append(b.batch.IDSets, IDSetEvent{Port: port, Event: event})
}

// Drain returns everything buffered and resets the bus.
func (b *Bus) Drain() Batch {
	out := b.batch
	b.batch = Batch{}
	return out
}
