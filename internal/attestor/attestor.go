// Package attestor verifies workload attestation claims against their
// evidence providers and maps verified workloads to SPIFFE IDs. Strategies
// are registered per provider; the registry dispatches each claim to the one
// strategy owning its evidence type and denies everything else.
package attestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/meshguard/meshguard/internal/audit"
	"github.com/meshguard/meshguard/internal/datastore"
	"github.com/meshguard/meshguard/internal/domain"
)

// Attestor verifies claims for a single evidence provider.
type Attestor interface {
	// Provider names the evidence type this strategy owns.
	Provider() domain.Provider

	// Attest verifies the claim's evidence and returns the SPIFFE ID the
	// workload is registered under. Verification failures wrap
	// domain.ErrAttestationDenied.
	Attest(ctx context.Context, claim domain.Claim) (spiffeid.ID, error)
}

// Registry dispatches attestation claims to provider strategies. Strategies
// are evaluated in registration order; since each provider is owned by
// exactly one strategy, the first match is the only match.
type Registry struct {
	order []Attestor
	sink  audit.Sink
	log   *slog.Logger
}

// NewRegistry builds a registry from the configured strategies. Two
// strategies claiming the same provider is a configuration error and fails
// construction with ErrAttestationAmbiguous.
func NewRegistry(sink audit.Sink, logger *slog.Logger, attestors ...Attestor) (*Registry, error) {
	if len(attestors) == 0 {
		return nil, fmt.Errorf("at least one attestation strategy is required")
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	seen := make(map[domain.Provider]struct{}, len(attestors))
	for _, a := range attestors {
		p := a.Provider()
		if !p.Valid() {
			return nil, fmt.Errorf("%w: strategy claims unknown provider %q", domain.ErrAttestationAmbiguous, p)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: provider %q claimed by two strategies", domain.ErrAttestationAmbiguous, p)
		}
		seen[p] = struct{}{}
	}

	return &Registry{
		order: attestors,
		sink:  sink,
		log:   logger.With("component", "attestor"),
	}, nil
}

// Attest verifies the claim with the strategy owning its provider. A claim
// with no registered strategy, a malformed claim, and a failed verification
// all deny; the caller cannot distinguish why beyond the wrapped error.
func (r *Registry) Attest(ctx context.Context, claim domain.Claim) (spiffeid.ID, error) {
	if err := claim.Validate(); err != nil {
		r.deny(ctx, claim, err)
		return spiffeid.ID{}, fmt.Errorf("%w: %v", domain.ErrAttestationDenied, err)
	}

	for _, a := range r.order {
		if a.Provider() != claim.Provider {
			continue
		}
		id, err := a.Attest(ctx, claim)
		if err != nil {
			r.deny(ctx, claim, err)
			if errors.Is(err, domain.ErrAttestationDenied) {
				return spiffeid.ID{}, err
			}
			return spiffeid.ID{}, fmt.Errorf("%w: %v", domain.ErrAttestationDenied, err)
		}
		r.log.Debug("attestation succeeded",
			"provider", string(claim.Provider),
			"workload_id", claim.WorkloadID,
			"spiffe_id", id.String())
		return id, nil
	}

	err := fmt.Errorf("%w: no strategy registered for provider %q", domain.ErrAttestationDenied, claim.Provider)
	r.deny(ctx, claim, err)
	return spiffeid.ID{}, err
}

func (r *Registry) deny(ctx context.Context, claim domain.Claim, err error) {
	r.sink.Record(ctx, audit.Event{
		Kind:       audit.KindDenied,
		WorkloadID: claim.WorkloadID,
		Detail:     string(claim.Provider),
		Err:        err.Error(),
	})
}

// resolveID maps a verified workload to its SPIFFE ID. A registration entry
// wins when present and must agree on the provider; otherwise the workload id
// becomes the sole path segment.
func resolveID(ctx context.Context, ds datastore.DataStore, td spiffeid.TrustDomain, workloadID string, provider domain.Provider) (spiffeid.ID, error) {
	if workloadID == "" {
		return spiffeid.ID{}, fmt.Errorf("%w: workload id is required", domain.ErrAttestationDenied)
	}
	if ds != nil {
		entry, err := ds.FetchEntry(ctx, workloadID)
		switch {
		case err == nil:
			if entry.Provider != provider {
				return spiffeid.ID{}, fmt.Errorf("%w: workload %q is registered for provider %q, not %q",
					domain.ErrAttestationDenied, workloadID, entry.Provider, provider)
			}
			return domain.IDFromPath(td, entry.SpiffePath)
		case errors.Is(err, datastore.ErrEntryNotFound):
			// fall through to the default mapping
		default:
			return spiffeid.ID{}, fmt.Errorf("registration lookup failed: %w", err)
		}
	}
	return domain.IDFromPath(td, "/"+workloadID)
}
