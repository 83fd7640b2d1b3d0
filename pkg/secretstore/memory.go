package secretstore

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend for development and tests.
type MemoryBackend struct {
	mu       sync.RWMutex
	versions map[string][]Version
	now      func() time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{versions: map[string][]Version{}, now: time.Now}
}

// Get returns the latest version of name, or ErrAbsent.
func (b *MemoryBackend) Get(ctx context.Context, name string) (Version, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	vs := b.versions[name]
	if len(vs) == 0 {
		return Version{}, ErrAbsent
	}
	return vs[len(vs)-1], nil
}

func (b *MemoryBackend) Put(ctx context.Context, name, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.versions[name] = append(b.versions[name], Version{Value: value, CreatedAt: b.now().UTC()})
	return nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

// Versions returns how many versions of name have been written.
func (b *MemoryBackend) Versions(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.versions[name])
}
