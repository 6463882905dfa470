package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltdb/quilt/pkg/events"
	"github.com/quiltdb/quilt/pkg/storage"
	"github.com/quiltdb/quilt/pkg/types"
)

func newTestGraph(t *testing.T, backend *storage.BoltBackend) *Graph {
	t.Helper()
	var graph *Graph
	require.NoError(t, backend.Update(func(txn storage.Txn) error {
		var err error
		graph, err = NewGraph(txn, "test")
		return err
	}))
	return graph
}

// applyGraph runs a locally minted action through the graph and saves.
func applyGraph(t *testing.T, backend *storage.BoltBackend, graph *Graph, bus *events.Bus, build func() types.GraphAction) {
	t.Helper()
	require.NoError(t, backend.Update(func(txn storage.Txn) error {
		if _, err := graph.Apply(txn, bus, build()); err != nil {
			return err
		}
		return graph.Save(txn)
	}))
}

func setNodePresent(t *testing.T, backend *storage.BoltBackend, graph *Graph, bus *events.Bus, id uint64, payload uint64) {
	applyGraph(t, backend, graph, bus, func() types.GraphAction {
		return graph.ActionNode(types.ObjectIDFromUint64(id), &types.NodeValue{Value: payload}, 1)
	})
}

func setNodeAbsent(t *testing.T, backend *storage.BoltBackend, graph *Graph, bus *events.Bus, id uint64) {
	applyGraph(t, backend, graph, bus, func() types.GraphAction {
		return graph.ActionNode(types.ObjectIDFromUint64(id), nil, 1)
	})
}

func setEdgePresent(t *testing.T, backend *storage.BoltBackend, graph *Graph, bus *events.Bus, id, src uint64, label types.Label, dst uint64) {
	applyGraph(t, backend, graph, bus, func() types.GraphAction {
		return graph.ActionEdge(types.ObjectIDFromUint64(id), &types.EdgeValue{
			Src:   types.ObjectIDFromUint64(src),
			Label: label,
			Dst:   types.ObjectIDFromUint64(dst),
		}, 1)
	})
}

// TestGraphReferentialIntegrity walks the hide-and-heal scenario: an edge
// disappears from reads and queries while an endpoint is tombstoned and
// reappears when the endpoint is restored.
func TestGraphReferentialIntegrity(t *testing.T) {
	backend := openCRDTBackend(t)
	graph := newTestGraph(t, backend)
	bus := events.NewBus()

	setNodePresent(t, backend, graph, bus, 10, 0)
	setNodePresent(t, backend, graph, bus, 20, 0)
	setEdgePresent(t, backend, graph, bus, 1, 10, 5, 20)

	edgeID := types.ObjectIDFromUint64(1)
	src := types.ObjectIDFromUint64(10)

	require.NoError(t, backend.View(func(txn storage.Txn) error {
		value, err := graph.Edge(txn, edgeID)
		require.NoError(t, err)
		require.NotNil(t, value)

		ids, err := graph.QueryEdgeSrcLabel(txn, src, 5)
		require.NoError(t, err)
		assert.Equal(t, []types.ObjectID{edgeID}, ids)
		return nil
	}))

	setNodeAbsent(t, backend, graph, bus, 20)
	require.NoError(t, backend.View(func(txn storage.Txn) error {
		value, err := graph.Edge(txn, edgeID)
		require.NoError(t, err)
		assert.Nil(t, value)

		ids, err := graph.QueryEdgeSrcLabel(txn, src, 5)
		require.NoError(t, err)
		assert.Empty(t, ids)
		return nil
	}))

	setNodePresent(t, backend, graph, bus, 20, 0)
	require.NoError(t, backend.View(func(txn storage.Txn) error {
		value, err := graph.Edge(txn, edgeID)
		require.NoError(t, err)
		require.NotNil(t, value)

		ids, err := graph.QueryEdgeSrcLabel(txn, src, 5)
		require.NoError(t, err)
		assert.Equal(t, []types.ObjectID{edgeID}, ids)
		return nil
	}))
}

func TestGraphAtomHiddenWithoutSource(t *testing.T) {
	backend := openCRDTBackend(t)
	graph := newTestGraph(t, backend)
	bus := events.NewBus()

	atomID := types.ObjectIDFromUint64(2)
	applyGraph(t, backend, graph, bus, func() types.GraphAction {
		return graph.ActionAtom(atomID, &types.GraphAtomValue{
			Src:   types.ObjectIDFromUint64(10),
			Value: []byte("note"),
		}, 1)
	})

	// Pathological arrival order: the atom exists before its vertex.
	require.NoError(t, backend.View(func(txn storage.Txn) error {
		value, err := graph.Atom(txn, atomID)
		require.NoError(t, err)
		assert.Nil(t, value)
		return nil
	}))

	setNodePresent(t, backend, graph, bus, 10, 7)
	require.NoError(t, backend.View(func(txn storage.Txn) error {
		value, err := graph.Atom(txn, atomID)
		require.NoError(t, err)
		require.NotNil(t, value)
		assert.Equal(t, []byte("note"), value.Value)
		return nil
	}))
}

func TestGraphAdjacencyQueries(t *testing.T) {
	backend := openCRDTBackend(t)
	graph := newTestGraph(t, backend)
	bus := events.NewBus()

	for _, n := range []uint64{10, 20, 30} {
		setNodePresent(t, backend, graph, bus, n, 0)
	}
	setEdgePresent(t, backend, graph, bus, 3, 10, 5, 20)
	setEdgePresent(t, backend, graph, bus, 1, 10, 5, 30)
	setEdgePresent(t, backend, graph, bus, 2, 10, 6, 20)
	setEdgePresent(t, backend, graph, bus, 4, 20, 5, 30)

	require.NoError(t, backend.View(func(txn storage.Txn) error {
		bySrc, err := graph.QueryEdgeSrc(txn, types.ObjectIDFromUint64(10))
		require.NoError(t, err)
		assert.Equal(t, []types.ObjectID{
			types.ObjectIDFromUint64(1),
			types.ObjectIDFromUint64(2),
			types.ObjectIDFromUint64(3),
		}, bySrc, "results are ordered ascending by id")

		bySrcLabel, err := graph.QueryEdgeSrcLabel(txn, types.ObjectIDFromUint64(10), 5)
		require.NoError(t, err)
		assert.Equal(t, []types.ObjectID{
			types.ObjectIDFromUint64(1),
			types.ObjectIDFromUint64(3),
		}, bySrcLabel)

		byDstLabel, err := graph.QueryEdgeDstLabel(txn, types.ObjectIDFromUint64(30), 5)
		require.NoError(t, err)
		assert.Equal(t, []types.ObjectID{
			types.ObjectIDFromUint64(1),
			types.ObjectIDFromUint64(4),
		}, byDstLabel)
		return nil
	}))
}

func TestGraphStaleSetRejected(t *testing.T) {
	backend := openCRDTBackend(t)
	graph := newTestGraph(t, backend)
	id := types.ObjectIDFromUint64(9)

	require.NoError(t, backend.Update(func(txn storage.Txn) error {
		accepted, err := graph.SetNode(txn, id, 1, 5, &types.NodeValue{Value: 1})
		require.NoError(t, err)
		require.True(t, accepted)

		accepted, err = graph.SetNode(txn, id, 1, 3, &types.NodeValue{Value: 2})
		require.NoError(t, err)
		assert.False(t, accepted)

		value, err := graph.Node(txn, id)
		require.NoError(t, err)
		require.NotNil(t, value)
		assert.Equal(t, uint64(1), value.Value)
		return graph.Save(txn)
	}))
}

func TestGraphApplyStaleStampIdempotent(t *testing.T) {
	backend := openCRDTBackend(t)
	graph := newTestGraph(t, backend)
	bus := events.NewBus()
	id := types.ObjectIDFromUint64(1)

	newer := types.GraphAction{
		Kind:  types.GraphActionNode,
		ID:    id,
		Stamp: types.Stamp{Bucket: 1, Clock: 2},
		Node:  &types.NodeValue{Value: 43},
	}
	older := types.GraphAction{
		Kind:  types.GraphActionNode,
		ID:    id,
		Stamp: types.Stamp{Bucket: 2, Clock: 1},
		Node:  &types.NodeValue{Value: 99},
	}

	require.NoError(t, backend.Update(func(txn storage.Txn) error {
		accepted, err := graph.Apply(txn, bus, newer)
		require.NoError(t, err)
		assert.True(t, accepted)

		accepted, err = graph.Apply(txn, bus, older)
		require.NoError(t, err)
		assert.False(t, accepted)

		// Replaying the winner is a no-op too.
		accepted, err = graph.Apply(txn, bus, newer)
		require.NoError(t, err)
		assert.False(t, accepted)

		value, err := graph.Node(txn, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(43), value.Value)
		return graph.Save(txn)
	}))
}

func TestGraphNodeSubscription(t *testing.T) {
	backend := openCRDTBackend(t)
	graph := newTestGraph(t, backend)
	bus := events.NewBus()
	id := types.ObjectIDFromUint64(1)
	port := types.Port(7)

	require.NoError(t, backend.View(func(txn storage.Txn) error {
		return graph.SubscribeNode(txn, bus, id, port)
	}))
	batch := bus.Drain()
	require.Len(t, batch.Nodes, 1)
	assert.Nil(t, batch.Nodes[0].Value)

	setNodePresent(t, backend, graph, bus, 1, 42)
	batch = bus.Drain()
	require.Len(t, batch.Nodes, 1)
	require.NotNil(t, batch.Nodes[0].Value)
	assert.Equal(t, uint64(42), batch.Nodes[0].Value.Value)

	graph.UnsubscribeNode(id, port)
	setNodePresent(t, backend, graph, bus, 1, 43)
	assert.True(t, bus.Drain().Empty())
}

// TestGraphEdgeSubscriptionRipple checks that tombstoning an endpoint
// vertex re-emits the filtered value of a subscribed edge and membership
// deltas of subscribed adjacency sets, without any edge register write.
func TestGraphEdgeSubscriptionRipple(t *testing.T) {
	backend := openCRDTBackend(t)
	graph := newTestGraph(t, backend)
	bus := events.NewBus()

	setNodePresent(t, backend, graph, bus, 10, 0)
	setNodePresent(t, backend, graph, bus, 20, 0)
	setEdgePresent(t, backend, graph, bus, 1, 10, 5, 20)

	edgeID := types.ObjectIDFromUint64(1)
	src := types.ObjectIDFromUint64(10)
	dst := types.ObjectIDFromUint64(20)

	require.NoError(t, backend.View(func(txn storage.Txn) error {
		require.NoError(t, graph.SubscribeEdge(txn, bus, edgeID, 1))
		require.NoError(t, graph.SubscribeMultiedge(txn, bus, src, 5, 2))
		require.NoError(t, graph.SubscribeBackedge(txn, bus, dst, 5, 3))
		return nil
	}))

	// Snapshots: the edge value, and one insert per set member.
	batch := bus.Drain()
	require.Len(t, batch.Edges, 1)
	assert.NotNil(t, batch.Edges[0].Value)
	require.Len(t, batch.IDSets, 2)
	for _, ev := range batch.IDSets {
		assert.Equal(t, events.SetInsert, ev.Event.Kind)
		assert.Equal(t, edgeID, ev.Event.ID)
	}

	// Hiding the destination vertex ripples to all three subscriptions.
	setNodeAbsent(t, backend, graph, bus, 20)
	batch = bus.Drain()
	require.Len(t, batch.Edges, 1)
	assert.Equal(t, types.Port(1), batch.Edges[0].Port)
	assert.Nil(t, batch.Edges[0].Value)
	require.Len(t, batch.IDSets, 2)
	for _, ev := range batch.IDSets {
		assert.Equal(t, events.SetRemove, ev.Event.Kind)
	}

	// Restoring it ripples back.
	setNodePresent(t, backend, graph, bus, 20, 0)
	batch = bus.Drain()
	require.Len(t, batch.Edges, 1)
	require.NotNil(t, batch.Edges[0].Value)
	assert.Equal(t, dst, batch.Edges[0].Value.Dst)
	require.Len(t, batch.IDSets, 2)
	for _, ev := range batch.IDSets {
		assert.Equal(t, events.SetInsert, ev.Event.Kind)
	}
}

// TestGraphEdgeRetarget checks set-event bookkeeping when an edge register
// write moves the edge between adjacency sets.
func TestGraphEdgeRetarget(t *testing.T) {
	backend := openCRDTBackend(t)
	graph := newTestGraph(t, backend)
	bus := events.NewBus()

	setNodePresent(t, backend, graph, bus, 10, 0)
	setNodePresent(t, backend, graph, bus, 20, 0)
	setNodePresent(t, backend, graph, bus, 30, 0)
	setEdgePresent(t, backend, graph, bus, 1, 10, 5, 20)

	require.NoError(t, backend.View(func(txn storage.Txn) error {
		require.NoError(t, graph.SubscribeBackedge(txn, bus, types.ObjectIDFromUint64(20), 5, 1))
		require.NoError(t, graph.SubscribeBackedge(txn, bus, types.ObjectIDFromUint64(30), 5, 2))
		require.NoError(t, graph.SubscribeMultiedge(txn, bus, types.ObjectIDFromUint64(10), 5, 3))
		return nil
	}))
	bus.Drain()

	// Repointing dst 20 -> 30 leaves the forward set but moves between the
	// reverse sets.
	setEdgePresent(t, backend, graph, bus, 1, 10, 5, 30)
	batch := bus.Drain()
	require.Len(t, batch.IDSets, 2)

	kinds := map[types.Port]events.SetEventKind{}
	for _, ev := range batch.IDSets {
		kinds[ev.Port] = ev.Event.Kind
	}
	assert.Equal(t, events.SetRemove, kinds[1])
	assert.Equal(t, events.SetInsert, kinds[2])
	_, sawForward := kinds[3]
	assert.False(t, sawForward, "edge never left the (src,label) set")
}
