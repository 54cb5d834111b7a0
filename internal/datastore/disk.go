package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Disk persists entries as a single JSON file, loaded at open and rewritten
// atomically on every mutation. Suited to small registries edited by an
// operator; high-churn deployments should use an external registry instead.
type Disk struct {
	path string

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewDisk opens (or creates) a disk data store at path.
func NewDisk(path string) (*Disk, error) {
	if path == "" {
		return nil, fmt.Errorf("disk data store requires a file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data store directory: %w", err)
	}

	d := &Disk{path: path, entries: make(map[string]Entry)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read data store file: %w", err)
	}
	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("data store file %q is corrupt: %w", path, err)
	}
	for _, e := range list {
		d.entries[e.WorkloadID] = e
	}
	return d, nil
}

func (d *Disk) PutEntry(_ context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[entry.WorkloadID] = entry
	return d.persistLocked()
}

func (d *Disk) FetchEntry(_ context.Context, workloadID string) (Entry, error) {
	d.mu.RLock()
	entry, ok := d.entries[workloadID]
	d.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: workload %q", ErrEntryNotFound, workloadID)
	}
	return entry, nil
}

func (d *Disk) FindBySelectors(ctx context.Context, discovered []string) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.sortedLocked() {
		if matches(e, discovered) {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: no entry matches selectors %v", ErrEntryNotFound, discovered)
}

func (d *Disk) ListEntries(_ context.Context) ([]Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedLocked(), nil
}

func (d *Disk) DeleteEntry(_ context.Context, workloadID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[workloadID]; !ok {
		return nil
	}
	delete(d.entries, workloadID)
	return d.persistLocked()
}

func (d *Disk) sortedLocked() []Entry {
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	// Stable order keeps FindBySelectors deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].WorkloadID < out[j].WorkloadID })
	return out
}

func (d *Disk) persistLocked() error {
	data, err := json.MarshalIndent(d.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode data store: %w", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write data store file: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("failed to commit data store file: %w", err)
	}
	return nil
}

var _ DataStore = (*Disk)(nil)
