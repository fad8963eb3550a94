// Package universe manages named, ordered sets of tracked ticker symbols
// (e.g. "sp500"). Universes are created by population jobs and read by the
// ingestion engine; membership changes only through explicit add/remove.
package universe

import (
	"context"
	"sync"
)

// Store is the universe provider.
type Store interface {
	// Add appends symbols to the named universe, ignoring duplicates.
	Add(ctx context.Context, name string, symbols ...string) error
	// List returns the universe members in insertion order.
	List(ctx context.Context, name string) ([]string, error)
	// Remove deletes symbols from the named universe.
	Remove(ctx context.Context, name string, symbols ...string) error
}

// MemoryStore is an in-process Store for tests and one-shot tooling.
type MemoryStore struct {
	mu       sync.RWMutex
	ordered  map[string][]string
	presence map[string]map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ordered:  make(map[string][]string),
		presence: make(map[string]map[string]bool),
	}
}

func (m *MemoryStore) Add(_ context.Context, name string, symbols ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.presence[name] == nil {
		m.presence[name] = make(map[string]bool)
	}
	for _, s := range symbols {
		if m.presence[name][s] {
			continue
		}
		m.presence[name][s] = true
		m.ordered[name] = append(m.ordered[name], s)
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.ordered[name]))
	copy(out, m.ordered[name])
	return out, nil
}

func (m *MemoryStore) Remove(_ context.Context, name string, symbols ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		if !m.presence[name][s] {
			continue
		}
		delete(m.presence[name], s)
		kept := m.ordered[name][:0]
		for _, existing := range m.ordered[name] {
			if existing != s {
				kept = append(kept, existing)
			}
		}
		m.ordered[name] = kept
	}
	return nil
}
