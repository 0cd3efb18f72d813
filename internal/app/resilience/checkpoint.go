package resilience

import (
	"context"
	"fmt"
	"sync"

	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

// Checkpointer records recovery state every N calls under one key. It is
// independent of the operation session and suits fine-grained progress such
// as extraction offsets.
type Checkpointer struct {
	mu      sync.Mutex
	storage storage.CheckpointStorage
	key     string
	every   int
	calls   int
	seq     int64
}

// NewCheckpointer creates a checkpointer saving every `every` calls.
func NewCheckpointer(store storage.CheckpointStorage, key string, every int) *Checkpointer {
	if every <= 0 {
		every = 1
	}
	return &Checkpointer{storage: store, key: key, every: every}
}

// Tick counts one call and saves the state returned by snapshot when the
// interval is reached. snapshot is only invoked when a save happens.
func (c *Checkpointer) Tick(ctx context.Context, snapshot func() map[string]any) (bool, error) {
	c.mu.Lock()
	c.calls++
	due := c.calls%c.every == 0
	c.mu.Unlock()

	if !due {
		return false, nil
	}
	if err := c.Save(ctx, snapshot()); err != nil {
		return false, err
	}
	return true, nil
}

// Save writes data immediately.
func (c *Checkpointer) Save(ctx context.Context, data map[string]any) error {
	c.mu.Lock()
	c.seq++
	cp := &storage.Checkpoint{Key: c.key, Sequence: c.seq, Data: data}
	c.mu.Unlock()

	if err := c.storage.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", c.key, err)
	}
	return nil
}

// Latest reloads the most recent checkpoint, or nil when none exists. The
// sequence continues from the loaded one.
func (c *Checkpointer) Latest(ctx context.Context) (*storage.Checkpoint, error) {
	cp, err := c.storage.Load(ctx, c.key)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		c.mu.Lock()
		if cp.Sequence > c.seq {
			c.seq = cp.Sequence
		}
		c.mu.Unlock()
	}
	return cp, nil
}

// Clear removes the checkpoint once the work it protects is done.
func (c *Checkpointer) Clear(ctx context.Context) error {
	return c.storage.Delete(ctx, c.key)
}
