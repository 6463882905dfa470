package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltdb/quilt/pkg/storage"
	"github.com/quiltdb/quilt/pkg/store"
	"github.com/quiltdb/quilt/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	backend, err := storage.NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	st, err := store.Open(backend, "test")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func startServer(t *testing.T, st *store.Store) *Server {
	t.Helper()
	server := NewServer(st)
	go func() {
		if err := server.Serve("127.0.0.1:0"); err != nil {
			t.Errorf("peer server: %v", err)
		}
	}()
	t.Cleanup(server.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("peer server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return server
}

func TestSyncOverTCP(t *testing.T) {
	source := newTestStore(t)
	sink := newTestStore(t)

	id := types.ObjectIDFromUint64(1)
	require.NoError(t, source.SetNode(id, &types.NodeValue{Value: 7}))

	server := startServer(t, source)
	require.NoError(t, Sync(sink, server.Addr()))

	value, err := sink.Node(id)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, uint64(7), value.Value)

	// A second round moves nothing but still succeeds.
	require.NoError(t, Sync(sink, server.Addr()))
}

func TestSyncDialFailure(t *testing.T) {
	sink := newTestStore(t)
	assert.Error(t, Sync(sink, "127.0.0.1:1"))
}
