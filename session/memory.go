package session

import (
	"context"
	"sync"

	"github.com/armatrix/subctl"
)

// MemoryStore is an in-memory session store backed by a sync.RWMutex-protected map.
// Entries are copied on load and update to prevent external mutation.
type MemoryStore struct {
	mu     sync.RWMutex
	stores map[string]map[string]subctl.SessionEntry
	loads  int
}

var _ subctl.SessionStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stores: make(map[string]map[string]subctl.SessionEntry),
	}
}

// Load returns a copy of the mapping at storePath. Unknown paths load as
// an empty mapping.
func (m *MemoryStore) Load(_ context.Context, storePath string) (map[string]subctl.SessionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loads++
	out := make(map[string]subctl.SessionEntry, len(m.stores[storePath]))
	for k, e := range m.stores[storePath] {
		out[k] = e
	}
	return out, nil
}

// Update applies fn to the mapping at storePath under the write lock.
func (m *MemoryStore) Update(_ context.Context, storePath string, fn func(map[string]*subctl.SessionEntry) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := make(map[string]*subctl.SessionEntry, len(m.stores[storePath]))
	for k, e := range m.stores[storePath] {
		e := e
		work[k] = &e
	}
	if err := fn(work); err != nil {
		return err
	}
	next := make(map[string]subctl.SessionEntry, len(work))
	for k, e := range work {
		if e != nil {
			next[k] = *e
		}
	}
	m.stores[storePath] = next
	return nil
}

// Put stores entry under key at storePath.
func (m *MemoryStore) Put(storePath, key string, entry subctl.SessionEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stores[storePath] == nil {
		m.stores[storePath] = make(map[string]subctl.SessionEntry)
	}
	m.stores[storePath][key] = entry
}

// Loads reports how many times Load has been called.
func (m *MemoryStore) Loads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loads
}
