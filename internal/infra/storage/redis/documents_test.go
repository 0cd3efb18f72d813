package redis

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/storagetest"
)

func TestRedisDocumentStore(t *testing.T) {
	addr, cleanup := storage.SetupRedisContainer(t)
	defer cleanup()

	s, err := Connect(context.Background(), "redis://"+addr+"/0", "", storage.NoOpTracer())
	require.NoError(t, err)
	defer s.Close()

	storagetest.RunDocumentStoreTests(t, s)
}

func TestRedisDocumentStore_PrefixesIsolateStores(t *testing.T) {
	addr, cleanup := storage.SetupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	a := NewDocumentStore(client, "a", storage.NoOpTracer())
	b := NewDocumentStore(client, "b", storage.NoOpTracer())

	require.NoError(t, a.Put(ctx, "sessions", "x", []byte("1")))

	got, err := b.Get(ctx, "sessions", "x")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := client.HLen(ctx, "a:sessions").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConnect_RejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), "://nope", "", storage.NoOpTracer())
	assert.Error(t, err)
}
