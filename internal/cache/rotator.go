package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meshguard/meshguard/internal/audit"
	"github.com/meshguard/meshguard/internal/domain"
)

// Rotator proactively rotates cached credentials, decoupled from the request
// path: requests never block on rotation, and rotation never blocks on
// requests.
type Rotator struct {
	cache    *Cache
	interval time.Duration
	log      *slog.Logger
}

// NewRotator creates a rotation scheduler scanning the cache every interval.
func NewRotator(c *Cache, scanInterval time.Duration, logger *slog.Logger) (*Rotator, error) {
	if c == nil {
		return nil, fmt.Errorf("rotator: cache is required")
	}
	if scanInterval <= 0 {
		scanInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{
		cache:    c,
		interval: scanInterval,
		log:      logger.With("component", "rotator"),
	}, nil
}

// Run scans until ctx is canceled.
func (r *Rotator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Scan(ctx)
		}
	}
}

// Scan rotates every credential past its rotation margin and evicts idle
// entries. A failed rotation leaves the old credential serving; it stays
// valid until its own expiry, so rotation failures degrade freshness, never
// availability.
func (r *Rotator) Scan(ctx context.Context) {
	now := r.cache.now()
	for _, e := range r.cache.snapshot() {
		if !r.cache.dueForRotation(e, now) {
			continue
		}
		if err := r.rotate(ctx, e); err != nil {
			r.log.Error("rotation failed, keeping current credential",
				"workload_id", e.workloadID,
				"error", err)
		}
	}
	r.cache.evictIdle()
}

// rotate re-attests the workload from fresh evidence and installs a new
// credential. Transient failures retry with exponential backoff inside the
// scan; an attestation denial is permanent and revokes the credential.
func (r *Rotator) rotate(ctx context.Context, e *entry) error {
	e.mu.Lock()
	next, err := domain.Transition(e.state, domain.StateRotating)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.state = next
	evidence, ttl := e.evidence, e.ttl
	e.mu.Unlock()

	operation := func() error {
		_, err, _ := r.cache.group.Do(e.workloadID, func() (any, error) {
			return r.cache.issue(context.WithoutCancel(ctx), e.workloadID, ttl, evidence, audit.KindRotated)
		})
		if err != nil && errors.Is(err, domain.ErrAttestationDenied) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err = backoff.Retry(operation, policy)
	if err == nil {
		r.log.Info("rotated credential", "workload_id", e.workloadID)
		return nil
	}

	if errors.Is(err, domain.ErrAttestationDenied) {
		// The workload no longer attests; its credential must not outlive
		// the denial.
		if revokeErr := r.cache.Revoke(ctx, e.workloadID); revokeErr != nil {
			r.log.Error("failed to revoke after denied re-attestation",
				"workload_id", e.workloadID,
				"error", revokeErr)
		}
		return err
	}

	// Transient failure: back out of Rotating so the next scan retries.
	e.mu.Lock()
	if e.state == domain.StateRotating {
		e.state = domain.StateValid
	}
	e.mu.Unlock()
	return err
}
