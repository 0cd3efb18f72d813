// Package redis stores each collection as a Redis hash named
// <prefix>:<collection>, with document keys as hash fields.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	infrastorage "github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

const DefaultPrefix = "adder"

var _ storage.DocumentStore = (*DocumentStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "redis"),
}

// DocumentStore implements storage.DocumentStore on go-redis.
type DocumentStore struct {
	client *redis.Client
	prefix string
	tracer trace.Tracer
}

// NewDocumentStore wraps an existing client.
func NewDocumentStore(client *redis.Client, prefix string, tracer trace.Tracer) *DocumentStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &DocumentStore{client: client, prefix: prefix, tracer: tracer}
}

// Connect parses a redis:// URL, verifies the server answers and returns a
// store on it.
func Connect(ctx context.Context, url, prefix string, tracer trace.Tracer) (*DocumentStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewDocumentStore(client, prefix, tracer), nil
}

// Close closes the underlying client.
func (s *DocumentStore) Close() error { return s.client.Close() }

func (s *DocumentStore) hash(collection string) string { return s.prefix + ":" + collection }

func (s *DocumentStore) attrs(collection string, extra ...attribute.KeyValue) []attribute.KeyValue {
	out := append([]attribute.KeyValue{attribute.String("collection", collection)}, defaultDBAttributes...)
	return append(out, extra...)
}

func (s *DocumentStore) Put(ctx context.Context, collection, key string, data []byte) error {
	if err := storage.ValidateKey(collection, key); err != nil {
		return err
	}
	attrs := s.attrs(collection, attribute.String("key", key), attribute.Int("data_size", len(data)))
	return infrastorage.ExecuteAndTrace(ctx, s.tracer, "redis.put_document", attrs, func(ctx context.Context) error {
		if err := s.client.HSet(ctx, s.hash(collection), key, data).Err(); err != nil {
			return fmt.Errorf("failed to put document %s/%s: %w", collection, key, err)
		}
		return nil
	})
}

func (s *DocumentStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := storage.ValidateKey(collection, key); err != nil {
		return nil, err
	}
	var data []byte
	attrs := s.attrs(collection, attribute.String("key", key))
	err := infrastorage.ExecuteAndTrace(ctx, s.tracer, "redis.get_document", attrs, func(ctx context.Context) error {
		b, err := s.client.HGet(ctx, s.hash(collection), key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get document %s/%s: %w", collection, key, err)
		}
		data = b
		return nil
	})
	return data, err
}

func (s *DocumentStore) List(ctx context.Context, collection string) ([]string, error) {
	var keys []string
	err := infrastorage.ExecuteAndTrace(ctx, s.tracer, "redis.list_documents", s.attrs(collection), func(ctx context.Context) error {
		k, err := s.client.HKeys(ctx, s.hash(collection)).Result()
		if err != nil {
			return fmt.Errorf("failed to list documents in %s: %w", collection, err)
		}
		sort.Strings(k)
		keys = k
		return nil
	})
	return keys, err
}

func (s *DocumentStore) Delete(ctx context.Context, collection, key string) error {
	attrs := s.attrs(collection, attribute.String("key", key))
	return infrastorage.ExecuteAndTrace(ctx, s.tracer, "redis.delete_document", attrs, func(ctx context.Context) error {
		if err := s.client.HDel(ctx, s.hash(collection), key).Err(); err != nil {
			return fmt.Errorf("failed to delete document %s/%s: %w", collection, key, err)
		}
		return nil
	})
}
