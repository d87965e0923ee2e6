// Package store defines the durable document store consumed as the cache's
// second tier, with SQLite and in-memory implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Store is a pluggable key/document backend. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the document for key in collection, or found=false.
	Get(ctx context.Context, collection, key string) (value json.RawMessage, found bool, err error)

	// Set writes value. With merge, the top-level fields of value are merged
	// into the existing document instead of replacing it.
	Set(ctx context.Context, collection, key string, value json.RawMessage, merge bool) error

	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, key string) error

	// Close releases backend resources.
	Close() error
}

// mergeDocuments shallow-merges the top-level fields of update into base.
// Non-object documents are replaced outright.
func mergeDocuments(base, update json.RawMessage) (json.RawMessage, error) {
	var baseMap, updateMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return update, nil
	}
	if err := json.Unmarshal(update, &updateMap); err != nil {
		return update, nil
	}
	for k, v := range updateMap {
		baseMap[k] = v
	}
	merged, err := json.Marshal(baseMap)
	if err != nil {
		return nil, fmt.Errorf("merge documents: %w", err)
	}
	return merged, nil
}

// MemoryStore is an in-process Store used for tests and single-node setups.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]json.RawMessage)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, collection, key string) (json.RawMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.data[collection]
	if !ok {
		return nil, false, nil
	}
	value, ok := coll[key]
	if !ok {
		return nil, false, nil
	}
	// Copy so callers cannot mutate stored bytes.
	out := make(json.RawMessage, len(value))
	copy(out, value)
	return out, true, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, collection, key string, value json.RawMessage, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.data[collection]
	if !ok {
		coll = make(map[string]json.RawMessage)
		s.data[collection] = coll
	}

	if merge {
		if existing, ok := coll[key]; ok {
			merged, err := mergeDocuments(existing, value)
			if err != nil {
				return err
			}
			value = merged
		}
	}

	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	coll[key] = stored
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if coll, ok := s.data[collection]; ok {
		delete(coll, key)
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
