package pool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

// Repository persists worker snapshots. The pool treats it as best-effort:
// in-memory state stays authoritative for the running process.
type Repository interface {
	Save(ctx context.Context, w worker.Snapshot) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]worker.Snapshot, error)
}

var _ Repository = (*DocumentRepository)(nil)

// DocumentRepository stores one JSON document per worker.
type DocumentRepository struct {
	store storage.DocumentStore
}

// NewDocumentRepository creates a Repository over a document store.
func NewDocumentRepository(store storage.DocumentStore) *DocumentRepository {
	return &DocumentRepository{store: store}
}

func (r *DocumentRepository) Save(ctx context.Context, w worker.Snapshot) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal worker %s: %w", w.ID, err)
	}
	return r.store.Put(ctx, storage.CollectionWorkers, w.ID, data)
}

func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, storage.CollectionWorkers, id)
}

func (r *DocumentRepository) LoadAll(ctx context.Context) ([]worker.Snapshot, error) {
	keys, err := r.store.List(ctx, storage.CollectionWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	out := make([]worker.Snapshot, 0, len(keys))
	for _, key := range keys {
		data, err := r.store.Get(ctx, storage.CollectionWorkers, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load worker %s: %w", key, err)
		}
		if data == nil {
			continue
		}
		var s worker.Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal worker %s: %w", key, err)
		}
		out = append(out, s)
	}
	return out, nil
}
