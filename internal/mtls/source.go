package mtls

import (
	"context"
	"fmt"
	"time"

	"github.com/meshguard/meshguard/internal/cache"
	"github.com/meshguard/meshguard/internal/domain"
)

// Source supplies the local identity for a TLS session. Implementations are
// consulted per handshake, so a rotated credential is picked up by the next
// connection automatically.
type Source interface {
	GetX509SVID(ctx context.Context) (*domain.X509SVID, error)
}

// StaticSource serves one fixed SVID. Useful for tests and short-lived tools.
type StaticSource struct {
	SVID *domain.X509SVID
}

func (s StaticSource) GetX509SVID(context.Context) (*domain.X509SVID, error) {
	if s.SVID == nil {
		return nil, fmt.Errorf("no svid configured")
	}
	return s.SVID, nil
}

// CacheSource serves the workload's current SVID from the identity cache,
// issuing or rotating through it as needed.
type CacheSource struct {
	Cache      *cache.Cache
	WorkloadID string
	TTL        time.Duration
	Evidence   cache.EvidenceFunc
}

func (s CacheSource) GetX509SVID(ctx context.Context) (*domain.X509SVID, error) {
	return s.Cache.GetOrIssue(ctx, s.WorkloadID, s.TTL, s.Evidence)
}

var (
	_ Source = StaticSource{}
	_ Source = CacheSource{}
)
