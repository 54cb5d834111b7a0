package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is a map-backed data store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory data store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) PutEntry(_ context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[entry.WorkloadID] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) FetchEntry(_ context.Context, workloadID string) (Entry, error) {
	m.mu.RLock()
	entry, ok := m.entries[workloadID]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: workload %q", ErrEntryNotFound, workloadID)
	}
	return entry, nil
}

func (m *Memory) FindBySelectors(_ context.Context, discovered []string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Deterministic iteration so ties resolve stably across calls.
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if matches(m.entries[id], discovered) {
			return m.entries[id], nil
		}
	}
	return Entry{}, fmt.Errorf("%w: no entry matches selectors %v", ErrEntryNotFound, discovered)
}

func (m *Memory) ListEntries(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkloadID < out[j].WorkloadID })
	return out, nil
}

func (m *Memory) DeleteEntry(_ context.Context, workloadID string) error {
	m.mu.Lock()
	delete(m.entries, workloadID)
	m.mu.Unlock()
	return nil
}

var _ DataStore = (*Memory)(nil)
