package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltdb/quilt/pkg/codec"
	"github.com/quiltdb/quilt/pkg/storage"
	"github.com/quiltdb/quilt/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend, err := storage.NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	st, err := Open(backend, "test")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// exchange runs one full anti-entropy round from src into dst.
func exchange(t *testing.T, dst, src *Store) {
	t.Helper()
	vector, err := dst.SyncSerial()
	require.NoError(t, err)
	actions, err := src.SyncActions(vector)
	require.NoError(t, err)
	require.NoError(t, dst.SyncApply(actions))
}

func id(n uint64) types.ObjectID {
	return types.ObjectIDFromUint64(n)
}

func TestStoreReadYourWrites(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.SetNode(id(1), &types.NodeValue{Value: 42}))
	value, err := st.Node(id(1))
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, uint64(42), value.Value)

	require.NoError(t, st.SetAtom(id(2), &types.AtomValue{Src: id(1), Label: 3, Value: []byte("v")}))
	atom, err := st.Atom(id(2))
	require.NoError(t, err)
	require.NotNil(t, atom)
	assert.Equal(t, []byte("v"), atom.Value)
}

// TestStoreLastWriterWins is the basic LWW scenario: a local overwrite
// sticks, and a foreign action with a smaller clock arriving later via
// sync cannot displace it.
func TestStoreLastWriterWins(t *testing.T) {
	r1 := newTestStore(t)
	r2 := newTestStore(t)

	require.NoError(t, r1.SetNode(id(1), &types.NodeValue{Value: 42}))
	require.NoError(t, r1.SetNode(id(1), &types.NodeValue{Value: 43}))
	value, err := r1.Node(id(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(43), value.Value)

	// R2's competing write carries clock 1, losing to R1's clock 2.
	require.NoError(t, r2.SetNode(id(1), &types.NodeValue{Value: 99}))

	exchange(t, r1, r2)
	value, err = r1.Node(id(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(43), value.Value)

	// And the exchange back converges R2 on the same winner.
	exchange(t, r2, r1)
	value, err = r2.Node(id(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(43), value.Value)
}

func TestStoreAtomTombstone(t *testing.T) {
	st := newTestStore(t)
	atom := &types.AtomValue{Src: id(1), Label: 8, Value: []byte("x")}

	require.NoError(t, st.SetAtom(id(7), atom))
	got, err := st.Atom(id(7))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Value)

	require.NoError(t, st.SetAtom(id(7), nil))
	got, err = st.Atom(id(7))
	require.NoError(t, err)
	assert.Nil(t, got)

	bySrcValue, err := st.AtomsByLabelValue(8, []byte("x"))
	require.NoError(t, err)
	assert.NotContains(t, bySrcValue, id(7))
}

func TestStoreReferentialIntegrity(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.SetNode(id(10), &types.NodeValue{}))
	require.NoError(t, st.SetNode(id(20), &types.NodeValue{}))
	require.NoError(t, st.SetEdge(id(1), &types.EdgeValue{Src: id(10), Label: 5, Dst: id(20)}))

	ids, err := st.QueryEdgeSrcLabel(id(10), 5)
	require.NoError(t, err)
	assert.Equal(t, []types.ObjectID{id(1)}, ids)

	require.NoError(t, st.SetNode(id(20), nil))
	edge, err := st.Edge(id(1))
	require.NoError(t, err)
	assert.Nil(t, edge)
	ids, err = st.QueryEdgeSrcLabel(id(10), 5)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, st.SetNode(id(20), &types.NodeValue{}))
	edge, err = st.Edge(id(1))
	require.NoError(t, err)
	require.NotNil(t, edge)
	ids, err = st.QueryEdgeSrcLabel(id(10), 5)
	require.NoError(t, err)
	assert.Equal(t, []types.ObjectID{id(1)}, ids)
}

// TestStoreSyncVector follows the probe arithmetic: a fresh peer pulls
// everything, a caught-up peer pulls only the delta.
func TestStoreSyncVector(t *testing.T) {
	r1 := newTestStore(t)
	r2 := newTestStore(t)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, r1.SetNode(id(i), &types.NodeValue{Value: i}))
	}

	vector, err := r2.SyncSerial()
	require.NoError(t, err)
	decoded, err := codec.DecodeVector(vector)
	require.NoError(t, err)
	assert.Empty(t, decoded, "fresh replica knows nothing")

	actions, err := r1.SyncActions(vector)
	require.NoError(t, err)
	entries, err := codec.DecodeEntries(actions)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	require.NoError(t, r2.SyncApply(actions))
	vector, err = r2.SyncSerial()
	require.NoError(t, err)
	decoded, err = codec.DecodeVector(vector)
	require.NoError(t, err)
	assert.Equal(t, map[types.Bucket]types.Clock{r1.This(): 4}, decoded)

	// A fourth write produces only the delta on the next round.
	require.NoError(t, r1.SetNode(id(4), &types.NodeValue{Value: 4}))
	actions, err = r1.SyncActions(vector)
	require.NoError(t, err)
	entries, err = codec.DecodeEntries(actions)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestStoreConvergence merges disjoint histories in both directions and
// expects identical reads everywhere.
func TestStoreConvergence(t *testing.T) {
	r1 := newTestStore(t)
	r2 := newTestStore(t)

	require.NoError(t, r1.SetNode(id(10), &types.NodeValue{Value: 1}))
	require.NoError(t, r1.SetNode(id(20), &types.NodeValue{Value: 2}))
	require.NoError(t, r1.SetEdge(id(1), &types.EdgeValue{Src: id(10), Label: 5, Dst: id(20)}))

	require.NoError(t, r2.SetNode(id(30), &types.NodeValue{Value: 3}))
	require.NoError(t, r2.SetAtom(id(2), &types.AtomValue{Src: id(30), Label: 7, Value: []byte("note")}))
	require.NoError(t, r2.SetGraphAtom(id(3), &types.GraphAtomValue{Src: id(30), Value: []byte("ga")}))

	exchange(t, r2, r1)
	exchange(t, r1, r2)

	for _, n := range []uint64{10, 20, 30} {
		v1, err := r1.Node(id(n))
		require.NoError(t, err)
		v2, err := r2.Node(id(n))
		require.NoError(t, err)
		assert.Equal(t, v1, v2, "node %d", n)
		require.NotNil(t, v1)
	}

	e1, err := r1.Edge(id(1))
	require.NoError(t, err)
	e2, err := r2.Edge(id(1))
	require.NoError(t, err)
	assert.Equal(t, e1, e2)
	require.NotNil(t, e1)

	a1, err := r1.Atom(id(2))
	require.NoError(t, err)
	a2, err := r2.Atom(id(2))
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	require.NotNil(t, a1)

	g1, err := r1.GraphAtom(id(3))
	require.NoError(t, err)
	g2, err := r2.GraphAtom(id(3))
	require.NoError(t, err)
	assert.Equal(t, g1, g2)
	require.NotNil(t, g1)

	q1, err := r1.QueryEdgeSrc(id(10))
	require.NoError(t, err)
	q2, err := r2.QueryEdgeSrc(id(10))
	require.NoError(t, err)
	assert.Equal(t, q1, q2)

	// Vectors agree, so another round moves nothing.
	vector, err := r1.SyncSerial()
	require.NoError(t, err)
	actions, err := r2.SyncActions(vector)
	require.NoError(t, err)
	entries, err := codec.DecodeEntries(actions)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestStoreSubscriptionLifecycle is the snapshot-then-delta contract:
// subscribe sees the current value immediately, writes produce deltas,
// unsubscribe silences the port.
func TestStoreSubscriptionLifecycle(t *testing.T) {
	st := newTestStore(t)
	port := types.Port(1)

	require.NoError(t, st.SubscribeAtom(id(5), port))
	batch := st.DrainEvents()
	require.Len(t, batch.Atoms, 1)
	assert.Equal(t, port, batch.Atoms[0].Port)
	assert.Nil(t, batch.Atoms[0].Value)

	require.NoError(t, st.SetAtom(id(5), &types.AtomValue{Src: id(1), Label: 1, Value: []byte("hi")}))
	batch = st.DrainEvents()
	require.Len(t, batch.Atoms, 1)
	require.NotNil(t, batch.Atoms[0].Value)
	assert.Equal(t, []byte("hi"), batch.Atoms[0].Value.Value)

	st.UnsubscribeAtom(id(5), port)
	require.NoError(t, st.SetAtom(id(5), &types.AtomValue{Src: id(1), Label: 1, Value: []byte("bye")}))
	assert.True(t, st.DrainEvents().Empty())
}

// TestStoreSubscriptionAcrossSync checks that foreign actions arriving via
// sync feed subscribers exactly like local writes.
func TestStoreSubscriptionAcrossSync(t *testing.T) {
	r1 := newTestStore(t)
	r2 := newTestStore(t)

	require.NoError(t, r2.SubscribeNode(id(1), 9))
	r2.DrainEvents()

	require.NoError(t, r1.SetNode(id(1), &types.NodeValue{Value: 11}))
	exchange(t, r2, r1)

	batch := r2.DrainEvents()
	require.Len(t, batch.Nodes, 1)
	assert.Equal(t, types.Port(9), batch.Nodes[0].Port)
	require.NotNil(t, batch.Nodes[0].Value)
	assert.Equal(t, uint64(11), batch.Nodes[0].Value.Value)
}

func TestStoreSetEdgeDst(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.SetNode(id(10), &types.NodeValue{}))
	require.NoError(t, st.SetNode(id(20), &types.NodeValue{}))
	require.NoError(t, st.SetNode(id(30), &types.NodeValue{}))
	require.NoError(t, st.SetEdge(id(1), &types.EdgeValue{Src: id(10), Label: 5, Dst: id(20)}))

	require.NoError(t, st.SetEdgeDst(id(1), id(30)))
	edge, err := st.Edge(id(1))
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, id(30), edge.Dst)
	assert.Equal(t, id(10), edge.Src)

	// Repointing a missing edge is a no-op.
	require.NoError(t, st.SetEdgeDst(id(99), id(30)))
	edge, err = st.Edge(id(99))
	require.NoError(t, err)
	assert.Nil(t, edge)
}

// TestStoreReopen checks crash consistency of committed state: watermarks,
// identity, and values survive a close/reopen cycle.
func TestStoreReopen(t *testing.T) {
	dir := t.TempDir()

	backend, err := storage.NewBoltBackend(dir)
	require.NoError(t, err)
	st, err := Open(backend, "test")
	require.NoError(t, err)

	this := st.This()
	require.NoError(t, st.SetNode(id(1), &types.NodeValue{Value: 5}))
	vector, err := st.SyncSerial()
	require.NoError(t, err)
	require.NoError(t, st.Close())

	backend, err = storage.NewBoltBackend(dir)
	require.NoError(t, err)
	st, err = Open(backend, "test")
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, this, st.This())
	reopened, err := st.SyncSerial()
	require.NoError(t, err)
	v1, err := codec.DecodeVector(vector)
	require.NoError(t, err)
	v2, err := codec.DecodeVector(reopened)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	value, err := st.Node(id(1))
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, uint64(5), value.Value)
}

func TestStoreMalformedSyncPayload(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SetNode(id(1), &types.NodeValue{Value: 1}))

	assert.Error(t, st.SyncApply([]byte{0xc1}))
	_, err := st.SyncActions([]byte{0xc1})
	assert.Error(t, err)

	// State is unaffected.
	value, err := st.Node(id(1))
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, uint64(1), value.Value)
}
