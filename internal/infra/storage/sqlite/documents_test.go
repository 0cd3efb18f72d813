package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/storagetest"
)

func openTemp(t *testing.T) (*DocumentStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adder.db")
	s, err := Open(context.Background(), path, storage.NoOpTracer())
	require.NoError(t, err)
	return s, path
}

func TestSQLiteDocumentStore(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	storagetest.RunDocumentStoreTests(t, s)
}

func TestSQLiteDocumentStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)
	require.NoError(t, s.Put(ctx, "workers", "w1", []byte(`{"id":"w1"}`)))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path, storage.NoOpTracer())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "workers", "w1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"w1"}`, string(got))
}
