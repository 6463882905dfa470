package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltdb/quilt/pkg/storage"
	"github.com/quiltdb/quilt/pkg/types"
)

func openTestHistory(t *testing.T, backend *storage.BoltBackend) *VectorHistory {
	t.Helper()
	var h *VectorHistory
	require.NoError(t, backend.Update(func(txn storage.Txn) error {
		var err error
		h, err = New(txn, "test")
		return err
	}))
	return h
}

func newTestBackend(t *testing.T) *storage.BoltBackend {
	t.Helper()
	backend, err := storage.NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func entry(bucket types.Bucket, clock types.Clock, action string) storage.HistoryEntry {
	return storage.HistoryEntry{Bucket: bucket, Clock: clock, Name: "atoms", Action: []byte(action)}
}

func TestHistoryIdentityPersists(t *testing.T) {
	backend := newTestBackend(t)

	h1 := openTestHistory(t, backend)
	assert.NotZero(t, h1.This())
	assert.Equal(t, types.Clock(0), h1.NextThis())

	// Reopening the same file yields the same identity.
	h2 := openTestHistory(t, backend)
	assert.Equal(t, h1.This(), h2.This())
}

func TestHistoryPush(t *testing.T) {
	backend := newTestBackend(t)
	h := openTestHistory(t, backend)

	require.NoError(t, backend.Update(func(txn storage.Txn) error {
		novel, err := h.Push(txn, entry(1, 1, "a"))
		require.NoError(t, err)
		assert.True(t, novel)

		// Duplicate (bucket, clock) is an idempotent no-op.
		novel, err = h.Push(txn, entry(1, 1, "a"))
		require.NoError(t, err)
		assert.False(t, novel)

		// Foreign entries may arrive out of clock order.
		novel, err = h.Push(txn, entry(1, 5, "e"))
		require.NoError(t, err)
		assert.True(t, novel)
		novel, err = h.Push(txn, entry(1, 3, "c"))
		require.NoError(t, err)
		assert.True(t, novel)
		return nil
	}))

	assert.Equal(t, map[types.Bucket]types.Clock{1: 6}, h.Nexts())
}

func TestHistoryAppendReturnsNovel(t *testing.T) {
	backend := newTestBackend(t)
	h := openTestHistory(t, backend)

	require.NoError(t, backend.Update(func(txn storage.Txn) error {
		_, err := h.Push(txn, entry(1, 1, "a"))
		return err
	}))

	require.NoError(t, backend.Update(func(txn storage.Txn) error {
		novel, err := h.Append(txn, []storage.HistoryEntry{
			entry(1, 1, "a"),
			entry(1, 2, "b"),
			entry(2, 1, "x"),
		})
		require.NoError(t, err)
		require.Len(t, novel, 2)
		assert.Equal(t, types.Clock(2), novel[0].Clock)
		assert.Equal(t, types.Bucket(2), novel[1].Bucket)
		return nil
	}))
}

func TestHistoryCollect(t *testing.T) {
	backend := newTestBackend(t)
	h := openTestHistory(t, backend)

	require.NoError(t, backend.Update(func(txn storage.Txn) error {
		for c := types.Clock(1); c <= 3; c++ {
			if _, err := h.Push(txn, entry(1, c, "a")); err != nil {
				return err
			}
		}
		_, err := h.Push(txn, entry(2, 1, "x"))
		return err
	}))

	require.NoError(t, backend.View(func(txn storage.Txn) error {
		// Empty vector collects everything.
		all, err := h.Collect(txn, nil)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		// A peer that has bucket 1 through clock 1 wants clocks >= 2; an
		// absent bucket contributes all entries.
		delta, err := h.Collect(txn, map[types.Bucket]types.Clock{1: 2})
		require.NoError(t, err)
		assert.Len(t, delta, 3)
		for _, e := range delta {
			if e.Bucket == 1 {
				assert.GreaterOrEqual(t, e.Clock, types.Clock(2))
			}
		}
		return nil
	}))
}

func TestHistoryLocalWriteSequence(t *testing.T) {
	backend := newTestBackend(t)
	h := openTestHistory(t, backend)

	require.NoError(t, backend.Update(func(txn storage.Txn) error {
		for i := 0; i < 3; i++ {
			next := h.NextThis() + 1
			novel, err := h.Push(txn, storage.HistoryEntry{
				Bucket: h.This(),
				Clock:  next,
				Name:   "graph",
				Action: []byte{byte(i)},
			})
			require.NoError(t, err)
			assert.True(t, novel, "local pushes never collide")
		}
		return nil
	}))
	assert.Equal(t, types.Clock(3), h.NextThis())
	assert.Equal(t, types.Clock(4), h.Nexts()[h.This()])
}
