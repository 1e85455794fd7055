package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore holds checkpoints in process memory. Useful for tests and
// for workflows that do not need durability.
type MemoryStore struct {
	records map[string][]byte
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[cp.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, cp.ID)
	}
	s.records[cp.ID] = data
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return &cp, nil
}

// LoadLatest implements Store.
func (s *MemoryStore) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	s.mu.RLock()
	var latest string
	for id := range s.records {
		if id > latest {
			latest = id
		}
	}
	s.mu.RUnlock()
	if latest == "" {
		return nil, ErrNotFound
	}
	return s.Load(ctx, latest)
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}
