// Package sqlite stores documents in an embedded SQLite database through the
// pure-Go modernc driver, for single-host deployments that want durability
// without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	infrastorage "github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

var _ storage.DocumentStore = (*DocumentStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    key TEXT NOT NULL,
    data BLOB NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (collection, key)
)`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "sqlite"),
}

// DocumentStore implements storage.DocumentStore on database/sql.
type DocumentStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

// Open opens (creating if needed) the database at dsn, e.g. "adder.db" or
// "file::memory:?cache=shared", and prepares the schema.
func Open(ctx context.Context, dsn string, tracer trace.Tracer) (*DocumentStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &DocumentStore{db: db, tracer: tracer}, nil
}

// Close releases the database handle.
func (s *DocumentStore) Close() error { return s.db.Close() }

func attrs(collection string, extra ...attribute.KeyValue) []attribute.KeyValue {
	out := append([]attribute.KeyValue{attribute.String("collection", collection)}, defaultDBAttributes...)
	return append(out, extra...)
}

func (s *DocumentStore) Put(ctx context.Context, collection, key string, data []byte) error {
	if err := storage.ValidateKey(collection, key); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	dbAttrs := attrs(collection, attribute.String("key", key), attribute.Int("data_size", len(data)))
	return infrastorage.ExecuteAndTrace(ctx, s.tracer, "sqlite.put_document", dbAttrs, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO documents (collection, key, data) VALUES (?, ?, ?)
ON CONFLICT (collection, key) DO UPDATE SET data = excluded.data, updated_at = datetime('now')`,
			collection, key, data)
		if err != nil {
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
	dbAttrs := attrs(collection, attribute.String("key", key))
	err := infrastorage.ExecuteAndTrace(ctx, s.tracer, "sqlite.get_document", dbAttrs, func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx,
			`SELECT data FROM documents WHERE collection = ? AND key = ?`, collection, key).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get document %s/%s: %w", collection, key, err)
		}
		return nil
	})
	return data, err
}

func (s *DocumentStore) List(ctx context.Context, collection string) ([]string, error) {
	var keys []string
	err := infrastorage.ExecuteAndTrace(ctx, s.tracer, "sqlite.list_documents", attrs(collection), func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT key FROM documents WHERE collection = ? ORDER BY key`, collection)
		if err != nil {
			return fmt.Errorf("failed to list documents in %s: %w", collection, err)
		}
		defer rows.Close()

		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return fmt.Errorf("failed to scan document key: %w", err)
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	return keys, err
}

func (s *DocumentStore) Delete(ctx context.Context, collection, key string) error {
	dbAttrs := attrs(collection, attribute.String("key", key))
	return infrastorage.ExecuteAndTrace(ctx, s.tracer, "sqlite.delete_document", dbAttrs, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND key = ?`, collection, key)
		if err != nil {
			return fmt.Errorf("failed to delete document %s/%s: %w", collection, key, err)
		}
		return nil
	})
}
