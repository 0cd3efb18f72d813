// Package memory provides a thread-safe in-memory DocumentStore for tests,
// dry runs and single-process deployments that do not need durability.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

var _ storage.DocumentStore = (*DocumentStore)(nil)

// DocumentStore keeps documents in nested maps. Stored and returned byte
// slices are copies so callers cannot mutate stored state.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

// NewDocumentStore creates an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{collections: make(map[string]map[string][]byte)}
}

func (s *DocumentStore) Put(ctx context.Context, collection, key string, data []byte) error {
	if err := storage.ValidateKey(collection, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string][]byte)
		s.collections[collection] = docs
	}
	docs[key] = append([]byte(nil), data...)
	return nil
}

func (s *DocumentStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := storage.ValidateKey(collection, key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.collections[collection][key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *DocumentStore) List(ctx context.Context, collection string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.collections[collection]))
	for k := range s.collections[collection] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *DocumentStore) Delete(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], key)
	return nil
}
