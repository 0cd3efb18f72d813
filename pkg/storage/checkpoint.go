package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Checkpoint stores fine-grained recovery state, independent of the
// operation session, so an interrupted step can resume where it left off.
type Checkpoint struct {
	Key       string         `json:"key"`
	Sequence  int64          `json:"sequence"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CheckpointStorage provides persistent storage for checkpoints.
type CheckpointStorage interface {
	// Save persists a checkpoint, replacing any previous one for the key.
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Load returns the latest checkpoint for the key, or nil when none exists.
	Load(ctx context.Context, key string) (*Checkpoint, error)

	// Delete removes a checkpoint. It is not an error if it does not exist.
	Delete(ctx context.Context, key string) error
}

var _ CheckpointStorage = (*DocumentCheckpointStorage)(nil)

// DocumentCheckpointStorage keeps checkpoints in a DocumentStore collection.
type DocumentCheckpointStorage struct {
	store DocumentStore
}

// NewDocumentCheckpointStorage creates checkpoint storage over store.
func NewDocumentCheckpointStorage(store DocumentStore) *DocumentCheckpointStorage {
	return &DocumentCheckpointStorage{store: store}
}

func (s *DocumentCheckpointStorage) Save(ctx context.Context, checkpoint *Checkpoint) error {
	checkpoint.UpdatedAt = time.Now()
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := s.store.Put(ctx, CollectionCheckpoints, checkpoint.Key, data); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", checkpoint.Key, err)
	}
	return nil
}

func (s *DocumentCheckpointStorage) Load(ctx context.Context, key string) (*Checkpoint, error) {
	data, err := s.store.Get(ctx, CollectionCheckpoints, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", key, err)
	}
	if data == nil {
		return nil, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", key, err)
	}
	return &cp, nil
}

func (s *DocumentCheckpointStorage) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, CollectionCheckpoints, key)
}
