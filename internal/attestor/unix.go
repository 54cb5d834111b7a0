package attestor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/meshguard/meshguard/internal/datastore"
	"github.com/meshguard/meshguard/internal/domain"
)

// Unix attests local workloads by kernel-verified process credentials taken
// from the Unix socket peer. A registration entry matches when all of its
// selectors appear in the discovered uid, gid, and executable path set.
type Unix struct {
	td spiffeid.TrustDomain
	ds datastore.DataStore
}

// NewUnix creates the unix attestation strategy.
func NewUnix(td spiffeid.TrustDomain, ds datastore.DataStore) (*Unix, error) {
	if td.IsZero() {
		return nil, fmt.Errorf("unix attestor: trust domain is required")
	}
	if ds == nil {
		return nil, fmt.Errorf("unix attestor: data store is required")
	}
	return &Unix{td: td, ds: ds}, nil
}

func (u *Unix) Provider() domain.Provider {
	return domain.ProviderUnix
}

// Attest matches the process evidence against unix registrations. Several
// workloads may share process credentials (one uid running two services);
// the claimed workload id disambiguates, and must itself match the evidence.
func (u *Unix) Attest(ctx context.Context, claim domain.Claim) (spiffeid.ID, error) {
	proc := claim.Process
	if proc == nil {
		return spiffeid.ID{}, fmt.Errorf("%w: no process evidence", domain.ErrAttestationDenied)
	}

	discovered := Selectors(proc)
	entries, err := u.ds.ListEntries(ctx)
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("registration lookup failed: %w", err)
	}

	var matches []datastore.Entry
	for _, e := range entries {
		if e.Provider != domain.ProviderUnix {
			continue
		}
		if matchesSelectors(e.Selectors, discovered) {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		return spiffeid.ID{}, fmt.Errorf("%w: no registration matches process uid=%d gid=%d path=%q",
			domain.ErrAttestationDenied, proc.UID, proc.GID, proc.Path)
	}

	if claim.WorkloadID != "" {
		for _, e := range matches {
			if e.WorkloadID == claim.WorkloadID {
				return domain.IDFromPath(u.td, e.SpiffePath)
			}
		}
		return spiffeid.ID{}, fmt.Errorf("%w: process credentials do not match claimed workload %q",
			domain.ErrAttestationDenied, claim.WorkloadID)
	}

	if len(matches) > 1 {
		return spiffeid.ID{}, fmt.Errorf("%w: process credentials match %d registrations, claim a workload id",
			domain.ErrAttestationDenied, len(matches))
	}
	return domain.IDFromPath(u.td, matches[0].SpiffePath)
}

// Selectors renders process evidence as registration selectors.
func Selectors(proc *domain.ProcessInfo) []string {
	sel := []string{
		"unix:uid:" + strconv.Itoa(proc.UID),
		"unix:gid:" + strconv.Itoa(proc.GID),
	}
	if proc.Path != "" {
		sel = append(sel, "unix:path:"+proc.Path)
	}
	return sel
}

// matchesSelectors reports whether every entry selector appears in the
// discovered set. An entry with no selectors never matches.
func matchesSelectors(entry, discovered []string) bool {
	if len(entry) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(discovered))
	for _, s := range discovered {
		set[s] = struct{}{}
	}
	for _, s := range entry {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

var _ Attestor = (*Unix)(nil)
