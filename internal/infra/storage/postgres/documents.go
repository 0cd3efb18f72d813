// Package postgres stores documents in a single PostgreSQL table keyed by
// (collection, key). The schema lives in db/migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	infrastorage "github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

var _ storage.DocumentStore = (*documentStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const (
	upsertDocument = `
INSERT INTO documents (collection, key, data)
VALUES ($1, $2, $3)
ON CONFLICT (collection, key) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`
	getDocument    = `SELECT data FROM documents WHERE collection = $1 AND key = $2`
	listDocuments  = `SELECT key FROM documents WHERE collection = $1 ORDER BY key`
	deleteDocument = `DELETE FROM documents WHERE collection = $1 AND key = $2`
)

// documentStore implements storage.DocumentStore on pgx.
type documentStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewDocumentStore creates a PostgreSQL-backed document store. The schema must
// already be migrated (see db.Migrate).
func NewDocumentStore(pool *pgxpool.Pool, tracer trace.Tracer) *documentStore {
	return &documentStore{pool: pool, tracer: tracer}
}

func attrs(collection string, extra ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+1+len(extra))
	out = append(out, defaultDBAttributes...)
	out = append(out, attribute.String("collection", collection))
	return append(out, extra...)
}

func (s *documentStore) Put(ctx context.Context, collection, key string, data []byte) error {
	if err := storage.ValidateKey(collection, key); err != nil {
		return err
	}
	dbAttrs := attrs(collection, attribute.String("key", key), attribute.Int("data_size", len(data)))
	return infrastorage.ExecuteAndTrace(ctx, s.tracer, "postgres.put_document", dbAttrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, upsertDocument, collection, key, data); err != nil {
			return fmt.Errorf("failed to put document %s/%s: %w", collection, key, err)
		}
		return nil
	})
}

func (s *documentStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := storage.ValidateKey(collection, key); err != nil {
		return nil, err
	}
	var data []byte
	dbAttrs := attrs(collection, attribute.String("key", key))
	err := infrastorage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_document", dbAttrs, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, getDocument, collection, key).Scan(&data)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to get document %s/%s: %w", collection, key, err)
		}
		return nil
	})
	return data, err
}

func (s *documentStore) List(ctx context.Context, collection string) ([]string, error) {
	var keys []string
	err := infrastorage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_documents", attrs(collection), func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, listDocuments, collection)
		if err != nil {
			return fmt.Errorf("failed to list documents in %s: %w", collection, err)
		}
		keys, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("failed to scan document keys in %s: %w", collection, err)
		}
		return nil
	})
	return keys, err
}

func (s *documentStore) Delete(ctx context.Context, collection, key string) error {
	dbAttrs := attrs(collection, attribute.String("key", key))
	return infrastorage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_document", dbAttrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, deleteDocument, collection, key); err != nil {
			return fmt.Errorf("failed to delete document %s/%s: %w", collection, key, err)
		}
		return nil
	})
}
