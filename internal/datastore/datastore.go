// Package datastore provides the registration entry backends, selected by
// the plugins.dataStore setting. An entry maps a workload identifier to the
// attestation provider, selectors, and SPIFFE path it is registered under.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshguard/meshguard/internal/domain"
)

// ErrEntryNotFound indicates no registration entry matched.
var ErrEntryNotFound = errors.New("registration entry not found")

// Entry is a workload registration.
type Entry struct {
	// WorkloadID is the unique workload identifier (identity.workloadId).
	WorkloadID string `json:"workloadId" yaml:"workloadId"`

	// Provider is the attestation strategy this workload attests with.
	Provider domain.Provider `json:"provider" yaml:"provider"`

	// SpiffePath is the path component of the SPIFFE ID issued to this
	// workload, e.g. "/frontend".
	SpiffePath string `json:"spiffePath" yaml:"spiffePath"`

	// Selectors are provider-specific match criteria in "type:key:value"
	// form, e.g. "unix:uid:1000". All selectors of an entry must be present
	// in the discovered set for the entry to match.
	Selectors []string `json:"selectors" yaml:"selectors"`

	// TTL is the requested SVID lifetime; the CA caps it at its max TTL.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// Validate checks the entry is complete enough to register.
func (e Entry) Validate() error {
	if e.WorkloadID == "" {
		return fmt.Errorf("entry workloadId is required")
	}
	if !e.Provider.Valid() {
		return fmt.Errorf("entry for %q has unknown provider %q", e.WorkloadID, e.Provider)
	}
	if e.SpiffePath == "" {
		return fmt.Errorf("entry for %q has no spiffePath", e.WorkloadID)
	}
	return nil
}

// DataStore stores registration entries. Implementations must be safe for
// concurrent use.
//
// Error contract:
//   - FetchEntry and FindBySelectors return ErrEntryNotFound when nothing matches.
type DataStore interface {
	// PutEntry inserts or replaces the entry for its workload id.
	PutEntry(ctx context.Context, entry Entry) error

	// FetchEntry returns the entry registered under workloadID.
	FetchEntry(ctx context.Context, workloadID string) (Entry, error)

	// FindBySelectors returns the first entry whose selectors are all present
	// in the discovered set (AND logic).
	FindBySelectors(ctx context.Context, discovered []string) (Entry, error)

	// ListEntries returns all entries.
	ListEntries(ctx context.Context) ([]Entry, error)

	// DeleteEntry removes the entry for workloadID, if present.
	DeleteEntry(ctx context.Context, workloadID string) error
}

// New returns the data store selected by plugin name ("memory" or "disk").
// path is only used by the disk store.
func New(plugin, path string) (DataStore, error) {
	switch plugin {
	case "memory":
		return NewMemory(), nil
	case "disk":
		return NewDisk(path)
	default:
		return nil, fmt.Errorf("unknown data store plugin %q", plugin)
	}
}

// matches reports whether every entry selector appears in discovered.
func matches(entry Entry, discovered []string) bool {
	if len(entry.Selectors) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(discovered))
	for _, s := range discovered {
		set[s] = struct{}{}
	}
	for _, s := range entry.Selectors {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
