package attestor

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/meshguard/meshguard/internal/datastore"
	"github.com/meshguard/meshguard/internal/domain"
)

// OIDCConfig configures an identity-token attestation strategy. Azure managed
// identity and GCP service account tokens share the same verification shape;
// the provider field decides which evidence type the strategy owns.
type OIDCConfig struct {
	Provider domain.Provider
	Issuer   string
	Audience string
	// SubjectClaim names the claim holding the workload identifier;
	// defaults to "sub".
	SubjectClaim string
	PublicKey    crypto.PublicKey
}

// OIDC attests workloads by platform-issued identity token (azure, gcp).
type OIDC struct {
	td  spiffeid.TrustDomain
	ds  datastore.DataStore
	cfg OIDCConfig
}

// NewOIDC creates an identity-token attestation strategy.
func NewOIDC(td spiffeid.TrustDomain, ds datastore.DataStore, cfg OIDCConfig) (*OIDC, error) {
	if td.IsZero() {
		return nil, fmt.Errorf("oidc attestor: trust domain is required")
	}
	if cfg.Provider != domain.ProviderAzure && cfg.Provider != domain.ProviderGCP {
		return nil, fmt.Errorf("oidc attestor: provider must be azure or gcp, got %q", cfg.Provider)
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc attestor: issuer is required")
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("oidc attestor: audience is required")
	}
	if cfg.PublicKey == nil {
		return nil, fmt.Errorf("oidc attestor: public key is required")
	}
	if cfg.SubjectClaim == "" {
		cfg.SubjectClaim = "sub"
	}
	return &OIDC{td: td, ds: ds, cfg: cfg}, nil
}

func (o *OIDC) Provider() domain.Provider {
	return o.cfg.Provider
}

func (o *OIDC) Attest(ctx context.Context, claim domain.Claim) (spiffeid.ID, error) {
	if claim.Token == "" {
		return spiffeid.ID{}, fmt.Errorf("%w: no identity token", domain.ErrAttestationDenied)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(claim.Token, claims,
		func(*jwt.Token) (any, error) { return o.cfg.PublicKey, nil },
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithIssuer(o.cfg.Issuer),
		jwt.WithAudience(o.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("%w: identity token rejected: %v", domain.ErrAttestationDenied, err)
	}

	subject, _ := claims[o.cfg.SubjectClaim].(string)
	if subject == "" {
		return spiffeid.ID{}, fmt.Errorf("%w: identity token has no %q claim", domain.ErrAttestationDenied, o.cfg.SubjectClaim)
	}
	if claim.WorkloadID != "" && claim.WorkloadID != subject {
		return spiffeid.ID{}, fmt.Errorf("%w: token subject %q does not match claimed workload %q",
			domain.ErrAttestationDenied, subject, claim.WorkloadID)
	}

	return resolveID(ctx, o.ds, o.td, subject, o.cfg.Provider)
}

// LoadPublicKey reads a PEM-encoded public key or certificate from path.
func LoadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read public key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	switch block.Type {
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %s: %w", path, err)
		}
		return cert.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q in %s", block.Type, path)
	}
}

var _ Attestor = (*OIDC)(nil)
