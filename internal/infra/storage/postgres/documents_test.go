package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojtabashariatzade/adder-repo-sub001/db"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/storagetest"
)

func TestPGDocumentStore(t *testing.T) {
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	storagetest.RunDocumentStoreTests(t, NewDocumentStore(pool, storage.NoOpTracer()))
}

func TestPGDocumentStore_MigrateIsIdempotent(t *testing.T) {
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	require.NoError(t, db.Migrate(pool))

	s := NewDocumentStore(pool, storage.NoOpTracer())
	require.NoError(t, s.Put(context.Background(), "sessions", "x", []byte(`{}`)))
	got, err := s.Get(context.Background(), "sessions", "x")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), got)
}
