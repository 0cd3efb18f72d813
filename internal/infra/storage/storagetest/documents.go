// Package storagetest holds the behavior every storage.DocumentStore backend
// must share, runnable against any implementation.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

// RunDocumentStoreTests exercises s against the DocumentStore contract. The
// store must start empty.
func RunDocumentStoreTests(t *testing.T, s storage.DocumentStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("put get list delete", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "sessions", "b", []byte(`{"id":"b"}`)))
		require.NoError(t, s.Put(ctx, "sessions", "a", []byte(`{"id":"a"}`)))
		require.NoError(t, s.Put(ctx, "workers", "w", []byte(`{}`)))

		got, err := s.Get(ctx, "sessions", "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"a"}`, string(got))

		keys, err := s.List(ctx, "sessions")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, keys)

		require.NoError(t, s.Delete(ctx, "sessions", "a"))
		require.NoError(t, s.Delete(ctx, "sessions", "a"), "deleting twice is not an error")

		got, err = s.Get(ctx, "sessions", "a")
		require.NoError(t, err)
		assert.Nil(t, got)

		keys, err = s.List(ctx, "sessions")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, keys)
	})

	t.Run("put replaces", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "replace", "k", []byte("v1")))
		require.NoError(t, s.Put(ctx, "replace", "k", []byte("v2")))

		got, err := s.Get(ctx, "replace", "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(got))
	})

	t.Run("empty collection", func(t *testing.T) {
		keys, err := s.List(ctx, "nothing-here")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("invalid keys", func(t *testing.T) {
		assert.ErrorIs(t, s.Put(ctx, "c", "../x", []byte("x")), storage.ErrInvalidKey)
		assert.ErrorIs(t, s.Put(ctx, "", "x", []byte("x")), storage.ErrInvalidKey)
		_, err := s.Get(ctx, "c", "a/b")
		assert.ErrorIs(t, err, storage.ErrInvalidKey)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Put(ctx, "concurrent", fmt.Sprintf("k%d", i), []byte("x")))
			}(i)
		}
		wg.Wait()

		keys, err := s.List(ctx, "concurrent")
		require.NoError(t, err)
		assert.Len(t, keys, 8)
	})
}
