// Package cache holds issued X.509 SVIDs per workload and rotates them
// before expiry. Reads are served from memory; a cache miss or an expired
// credential triggers attestation and issuance, collapsed so concurrent
// requests for one workload produce exactly one signing operation.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"golang.org/x/sync/singleflight"

	"github.com/meshguard/meshguard/internal/audit"
	"github.com/meshguard/meshguard/internal/domain"
)

// EvidenceFunc produces fresh attestation evidence for a workload. The cache
// never stores claims; it stores the means of producing one, so every
// issuance and rotation re-attests from live evidence.
type EvidenceFunc func(ctx context.Context) (domain.Claim, error)

// Attester verifies a claim and returns the workload's SPIFFE ID.
type Attester interface {
	Attest(ctx context.Context, claim domain.Claim) (spiffeid.ID, error)
}

// Issuer signs X.509 SVIDs.
type Issuer interface {
	IssueX509(ctx context.Context, id spiffeid.ID, ttl time.Duration) (*domain.X509SVID, error)
}

// entry is the cached credential for one workload. Its lock covers state and
// svid; it is never held across attestation or signing.
type entry struct {
	workloadID string
	evidence   EvidenceFunc
	ttl        time.Duration

	mu       sync.Mutex
	state    domain.CredentialState
	svid     *domain.X509SVID
	lastSeen time.Time
}

// Config configures the cache.
type Config struct {
	Attester Attester
	Issuer   Issuer

	// TTLFor resolves the registered lifetime for an attested identity.
	// Optional; a zero return falls back to the caller's requested TTL.
	TTLFor func(ctx context.Context, id spiffeid.ID) time.Duration

	// RotationMargin is the fraction of an SVID's lifetime after which the
	// scheduler rotates it. Must be strictly between 0 and 1.
	RotationMargin float64

	// IdleEviction drops entries not requested within this window.
	IdleEviction time.Duration

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
	// Sink receives issued, rotated, and revoked events.
	Sink audit.Sink
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Cache is the identity cache. Safe for concurrent use.
type Cache struct {
	attester Attester
	issuer   Issuer
	ttlFor   func(ctx context.Context, id spiffeid.ID) time.Duration
	margin   float64
	idle     time.Duration
	now      func() time.Time
	sink     audit.Sink
	log      *slog.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Attester == nil {
		return nil, fmt.Errorf("cache: attester is required")
	}
	if cfg.Issuer == nil {
		return nil, fmt.Errorf("cache: issuer is required")
	}
	if cfg.RotationMargin <= 0 || cfg.RotationMargin >= 1 {
		return nil, fmt.Errorf("cache: rotation margin %v must be strictly between 0 and 1", cfg.RotationMargin)
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Sink == nil {
		cfg.Sink = audit.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Cache{
		attester: cfg.Attester,
		issuer:   cfg.Issuer,
		ttlFor:   cfg.TTLFor,
		margin:   cfg.RotationMargin,
		idle:     cfg.IdleEviction,
		now:      cfg.Clock,
		sink:     cfg.Sink,
		log:      cfg.Logger.With("component", "cache"),
		entries:  make(map[string]*entry),
	}, nil
}

// GetOrIssue returns the workload's cached SVID, issuing one first when the
// cache has none or the cached one has expired. Concurrent callers for the
// same workload share a single attestation and signing; the shared issuance
// runs to completion even if this caller's context is canceled, so the
// result still lands in the cache.
func (c *Cache) GetOrIssue(ctx context.Context, workloadID string, ttl time.Duration, evidence EvidenceFunc) (*domain.X509SVID, error) {
	if workloadID == "" {
		return nil, fmt.Errorf("%w: workload id is required", domain.ErrInvalidIdentity)
	}
	if evidence == nil {
		return nil, fmt.Errorf("%w: evidence source is required", domain.ErrInvalidClaim)
	}

	if svid := c.lookup(workloadID); svid != nil {
		return svid, nil
	}

	v, err, _ := c.group.Do(workloadID, func() (any, error) {
		// Detached from the caller so a disconnect mid-issuance still
		// populates the cache for the next request.
		ictx := context.WithoutCancel(ctx)

		// A concurrent flight may have finished between lookup and here.
		if svid := c.lookup(workloadID); svid != nil {
			return svid, nil
		}
		return c.issue(ictx, workloadID, ttl, evidence, audit.KindIssued)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.X509SVID), nil
}

// lookup returns the cached SVID when it is valid and unexpired, updating
// the idle-eviction timestamp.
func (c *Cache) lookup(workloadID string) *domain.X509SVID {
	c.mu.RLock()
	e := c.entries[workloadID]
	c.mu.RUnlock()
	if e == nil {
		return nil
	}

	now := c.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != domain.StateValid || e.svid == nil {
		return nil
	}
	if e.svid.IsExpiredAt(now) {
		// Expiry is observed lazily. The state is terminal for this SVID
		// instance; the caller's flight issues a replacement.
		e.state = domain.StateExpired
		return nil
	}
	e.lastSeen = now
	return e.svid
}

// issue attests from fresh evidence, signs, and installs the new credential.
func (c *Cache) issue(ctx context.Context, workloadID string, ttl time.Duration, evidence EvidenceFunc, kind audit.Kind) (*domain.X509SVID, error) {
	claim, err := evidence(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: evidence collection failed: %v", domain.ErrAttestationDenied, err)
	}
	id, err := c.attester.Attest(ctx, claim)
	if err != nil {
		return nil, err
	}
	// The registered lifetime for this identity wins over the requested one.
	if c.ttlFor != nil {
		if registered := c.ttlFor(ctx, id); registered > 0 {
			ttl = registered
		}
	}
	svid, err := c.issuer.IssueX509(ctx, id, ttl)
	if err != nil {
		return nil, err
	}

	now := c.now()
	c.mu.Lock()
	e := c.entries[workloadID]
	if e == nil {
		e = &entry{workloadID: workloadID, state: domain.StateUnissued}
		c.entries[workloadID] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	// A new SVID instance begins its own lifecycle at Valid, including after
	// the previous instance ended in a terminal state.
	e.evidence = evidence
	e.ttl = ttl
	e.svid = svid
	e.lastSeen = now
	e.state = domain.StateValid
	e.mu.Unlock()

	c.log.Info("issued svid",
		"workload_id", workloadID,
		"spiffe_id", svid.ID().String(),
		"expires_at", svid.ExpiresAt())
	c.sink.Record(ctx, audit.Event{
		Time:       now,
		Kind:       kind,
		SpiffeID:   svid.ID().String(),
		WorkloadID: workloadID,
		Detail:     fmt.Sprintf("x509 ttl=%s", svid.Lifetime()),
	})
	return svid, nil
}

// Revoke removes the workload's credential. The state becomes terminal and
// the entry is dropped; the next GetOrIssue must pass full attestation again.
func (c *Cache) Revoke(ctx context.Context, workloadID string) error {
	c.mu.Lock()
	e := c.entries[workloadID]
	delete(c.entries, workloadID)
	c.mu.Unlock()
	if e == nil {
		return fmt.Errorf("no cached credential for workload %q", workloadID)
	}

	e.mu.Lock()
	next, err := domain.Transition(e.state, domain.StateRevoked)
	if err == nil {
		e.state = next
	}
	var spiffeID string
	if e.svid != nil {
		spiffeID = e.svid.ID().String()
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	c.log.Warn("revoked svid", "workload_id", workloadID, "spiffe_id", spiffeID)
	c.sink.Record(ctx, audit.Event{
		Time:       c.now(),
		Kind:       audit.KindRevoked,
		SpiffeID:   spiffeID,
		WorkloadID: workloadID,
	})
	return nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// dueForRotation reports whether the credential has consumed its rotation
// margin at the given time.
func (c *Cache) dueForRotation(e *entry, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != domain.StateValid || e.svid == nil {
		return false
	}
	if e.svid.IsExpiredAt(now) {
		// Too late to rotate; the next request issues a fresh credential.
		e.state = domain.StateExpired
		return false
	}
	spent := now.Sub(e.svid.IssuedAt())
	threshold := time.Duration(float64(e.svid.Lifetime()) * c.margin)
	return spent >= threshold
}

// snapshot returns the current entries without holding the map lock during
// per-entry work.
func (c *Cache) snapshot() []*entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// evictIdle drops entries that have not been requested within the idle
// window. Rotation stops for evicted workloads until they return.
func (c *Cache) evictIdle() {
	now := c.now()
	for _, e := range c.snapshot() {
		e.mu.Lock()
		idle := now.Sub(e.lastSeen) >= c.idle
		e.mu.Unlock()
		if !idle {
			continue
		}
		c.mu.Lock()
		if cur := c.entries[e.workloadID]; cur == e {
			delete(c.entries, e.workloadID)
			c.log.Info("evicted idle workload", "workload_id", e.workloadID)
		}
		c.mu.Unlock()
	}
}
