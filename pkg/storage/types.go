// Package storage defines the persistence contracts of the orchestration core.
// The core only needs a keyed document store of named JSON blobs and a sink
// for archived documents; backends live under internal/infra/storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Well-known collections.
const (
	CollectionWorkers     = "workers"
	CollectionSessions    = "sessions"
	CollectionCheckpoints = "checkpoints"
)

// ErrInvalidKey is returned for empty names or names containing path separators.
var ErrInvalidKey = errors.New("invalid document key")

// DocumentStore persists opaque documents grouped into collections.
type DocumentStore interface {
	// Put creates or replaces the document.
	Put(ctx context.Context, collection, key string, data []byte) error

	// Get returns the document, or nil and no error when it does not exist.
	Get(ctx context.Context, collection, key string) ([]byte, error)

	// List returns the keys of a collection in ascending order.
	List(ctx context.Context, collection string) ([]string, error)

	// Delete removes the document. It is not an error if it does not exist.
	Delete(ctx context.Context, collection, key string) error
}

// ArchiveSink receives archived documents for cold storage.
type ArchiveSink interface {
	Store(ctx context.Context, name string, data []byte, contentType string) error
}

// ValidateKey checks collection and key names shared by every backend.
func ValidateKey(collection, key string) error {
	for _, part := range []string{collection, key} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return fmt.Errorf("%w: %q/%q", ErrInvalidKey, collection, key)
		}
	}
	return nil
}
