// Package filesystem persists documents as one JSON file per key under
// <root>/<collection>/<key>.json, and archives as plain files under a root
// directory. Writes go through a temporary file and a rename so a crash never
// leaves a half-written document behind.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	infrastorage "github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

const ext = ".json"

var _ storage.DocumentStore = (*DocumentStore)(nil)

// DocumentStore implements storage.DocumentStore on a directory tree.
type DocumentStore struct {
	root   string
	tracer trace.Tracer

	// Guards the rename window between concurrent writers of the same key.
	mu sync.Mutex
}

// NewDocumentStore creates root if needed and returns a store rooted there.
func NewDocumentStore(root string, tracer trace.Tracer) (*DocumentStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &DocumentStore{root: root, tracer: tracer}, nil
}

func (s *DocumentStore) path(collection, key string) string {
	return filepath.Join(s.root, collection, key+ext)
}

func (s *DocumentStore) Put(ctx context.Context, collection, key string, data []byte) error {
	if err := storage.ValidateKey(collection, key); err != nil {
		return err
	}
	attrs := []attribute.KeyValue{
		attribute.String("collection", collection),
		attribute.String("key", key),
		attribute.Int("data_size", len(data)),
	}
	return infrastorage.ExecuteAndTrace(ctx, s.tracer, "filesystem.put_document", attrs, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return writeAtomic(s.path(collection, key), data)
	})
}

func (s *DocumentStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := storage.ValidateKey(collection, key); err != nil {
		return nil, err
	}
	var data []byte
	attrs := []attribute.KeyValue{attribute.String("collection", collection), attribute.String("key", key)}
	err := infrastorage.ExecuteAndTrace(ctx, s.tracer, "filesystem.get_document", attrs, func(ctx context.Context) error {
		b, err := os.ReadFile(s.path(collection, key))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read document %s/%s: %w", collection, key, err)
		}
		data = b
		return nil
	})
	return data, err
}

func (s *DocumentStore) List(ctx context.Context, collection string) ([]string, error) {
	var keys []string
	attrs := []attribute.KeyValue{attribute.String("collection", collection)}
	err := infrastorage.ExecuteAndTrace(ctx, s.tracer, "filesystem.list_documents", attrs, func(ctx context.Context) error {
		entries, err := os.ReadDir(filepath.Join(s.root, collection))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list documents in %s: %w", collection, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ext) || strings.HasPrefix(name, ".") {
				continue
			}
			keys = append(keys, strings.TrimSuffix(name, ext))
		}
		sort.Strings(keys)
		return nil
	})
	return keys, err
}

func (s *DocumentStore) Delete(ctx context.Context, collection, key string) error {
	if err := storage.ValidateKey(collection, key); err != nil {
		return err
	}
	attrs := []attribute.KeyValue{attribute.String("collection", collection), attribute.String("key", key)}
	return infrastorage.ExecuteAndTrace(ctx, s.tracer, "filesystem.delete_document", attrs, func(ctx context.Context) error {
		err := os.Remove(s.path(collection, key))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete document %s/%s: %w", collection, key, err)
		}
		return nil
	})
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
