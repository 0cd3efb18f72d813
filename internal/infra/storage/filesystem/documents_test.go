package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/storagetest"
	pkgstorage "github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

func TestFSDocumentStore(t *testing.T) {
	s, err := NewDocumentStore(t.TempDir(), storage.NoOpTracer())
	require.NoError(t, err)

	storagetest.RunDocumentStoreTests(t, s)
}

func TestFSDocumentStore_Layout(t *testing.T) {
	root := t.TempDir()
	s, err := NewDocumentStore(root, storage.NoOpTracer())
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "sessions", "abc", []byte(`{"id":"abc"}`)))

	b, err := os.ReadFile(filepath.Join(root, "sessions", "abc.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc"}`, string(b))
}

func TestFSDocumentStore_ListIgnoresStrayFiles(t *testing.T) {
	root := t.TempDir()
	s, err := NewDocumentStore(root, storage.NoOpTracer())
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "workers", "w1", []byte(`{}`)))

	dir := filepath.Join(root, "workers")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".w2.json.123.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))

	keys, err := s.List(context.Background(), "workers")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, keys)
}

func TestFSArchiveSink(t *testing.T) {
	root := t.TempDir()
	a := NewArchiveSink(root, storage.NoOpTracer())

	require.NoError(t, a.Store(context.Background(), "sessions/2024/05/abc.json.gz", []byte{1, 2, 3}, "application/gzip"))

	b, err := os.ReadFile(filepath.Join(root, "sessions", "2024", "05", "abc.json.gz"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	assert.ErrorIs(t, a.Store(context.Background(), "../escape", nil, ""), pkgstorage.ErrInvalidKey)
	assert.ErrorIs(t, a.Store(context.Background(), "", nil, ""), pkgstorage.ErrInvalidKey)
}
