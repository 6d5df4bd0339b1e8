package cache

import (
	"context"
	"sync"
)

// MemoryBackend is the in-process reference Backend: a mutex-guarded map.
// It holds entries by value copy so concurrent readers never observe
// mutations made by the cache (access counters) on a shared pointer.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]Entry),
	}
}

// Get returns a copy of the stored entry. The Value slice is shared and must
// be treated as immutable by callers.
func (b *MemoryBackend) Get(_ context.Context, key string) (*Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Set stores the entry under key. Replacement is atomic from the perspective
// of concurrent readers.
func (b *MemoryBackend) Set(_ context.Context, key string, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[key] = *entry
	return nil
}

// Delete removes the entry under key.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, key)
	return nil
}

// Scan visits every entry under the read lock. The callback receives a copy.
func (b *MemoryBackend) Scan(_ context.Context, fn func(key string, entry *Entry) bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for key, entry := range b.entries {
		e := entry
		if !fn(key, &e) {
			return nil
		}
	}
	return nil
}

// Len returns the current entry count.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
