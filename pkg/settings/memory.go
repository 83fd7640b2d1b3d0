package settings

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}, now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, identity string) (Record, error) {
	id, err := requireIdentity(identity)
	if err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Merge(ctx context.Context, identity string, patch Patch) (Record, error) {
	id, err := requireIdentity(identity)
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		rec = Record{UserID: id}
	}
	rec = patch.Apply(rec, s.now())
	s.records[id] = rec
	return rec, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
