package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/memory"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

func TestDocumentCheckpointStorage_SaveAndLoad(t *testing.T) {
	store := storage.NewDocumentCheckpointStorage(memory.NewDocumentStore())
	ctx := context.Background()

	checkpoint := &storage.Checkpoint{
		Key:      "extract-src",
		Sequence: 3,
		Data: map[string]any{
			"cursor": "abc123",
			"offset": 42,
		},
	}
	require.NoError(t, store.Save(ctx, checkpoint))

	loaded, err := store.Load(ctx, checkpoint.Key)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, checkpoint.Key, loaded.Key)
	assert.Equal(t, int64(3), loaded.Sequence)
	assert.Equal(t, "abc123", loaded.Data["cursor"])
	assert.InDelta(t, 42, loaded.Data["offset"], 0, "numbers decode as float64")
	assert.False(t, loaded.UpdatedAt.IsZero(), "UpdatedAt should be set")
}

func TestDocumentCheckpointStorage_LoadNonExistent(t *testing.T) {
	store := storage.NewDocumentCheckpointStorage(memory.NewDocumentStore())

	loaded, err := store.Load(context.Background(), "non-existent")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDocumentCheckpointStorage_UpdateAndDelete(t *testing.T) {
	store := storage.NewDocumentCheckpointStorage(memory.NewDocumentStore())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &storage.Checkpoint{Key: "k", Sequence: 1}))
	require.NoError(t, store.Save(ctx, &storage.Checkpoint{Key: "k", Sequence: 2}))

	loaded, err := store.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Sequence)

	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"), "deleting twice is not an error")

	loaded, err = store.Load(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestValidateKey(t *testing.T) {
	for _, ok := range [][2]string{{"sessions", "abc"}, {"workers", "w-1.json"}} {
		assert.NoError(t, storage.ValidateKey(ok[0], ok[1]))
	}
	for _, bad := range [][2]string{{"", "a"}, {"c", ""}, {"c", "a/b"}, {"c", ".."}, {"a\\b", "x"}} {
		assert.ErrorIs(t, storage.ValidateKey(bad[0], bad[1]), storage.ErrInvalidKey, "%q", bad)
	}
}
