// Package ca implements the certificate authority core: it holds the signing
// key, issues short-lived X.509 and JWT SVIDs bound to verified SPIFFE IDs,
// and rotates its signing key on a rolling schedule, keeping the old key in
// the trust bundle for an overlap window so in-flight SVIDs stay verifiable
// until they expire naturally.
package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/meshguard/meshguard/internal/audit"
	"github.com/meshguard/meshguard/internal/bundle"
	"github.com/meshguard/meshguard/internal/domain"
	"github.com/meshguard/meshguard/internal/keymanager"
)

// clock skew tolerance applied to certificate NotBefore.
const notBeforeSkew = 30 * time.Second

var serialLimit = new(big.Int).Lsh(big.NewInt(1), 128)

// signingKey is one generation of CA key material.
type signingKey struct {
	id     string
	signer crypto.Signer
	cert   *x509.Certificate
}

// retiredKey is a rotated-out key awaiting the end of its overlap window.
type retiredKey struct {
	key      *signingKey
	retireAt time.Time
}

// Config configures the CA core.
type Config struct {
	TrustDomain    spiffeid.TrustDomain
	Keys           keymanager.KeyManager
	Bundles        *bundle.Store
	KeyType        keymanager.KeyType
	MaxSVIDTTL     time.Duration
	RotationPeriod time.Duration
	OverlapWindow  time.Duration
	JWTIssuer      string
	JWTTTL         time.Duration

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
	// Sink receives bundle_rotated events; defaults to audit.Nop.
	Sink audit.Sink
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// CA is the certificate authority core. Safe for concurrent use: the active
// signing key is guarded by a read-write discipline, and bundle updates are
// published atomically through the bundle store.
type CA struct {
	td             spiffeid.TrustDomain
	keys           keymanager.KeyManager
	bundles        *bundle.Store
	keyType        keymanager.KeyType
	maxTTL         time.Duration
	rotationPeriod time.Duration
	overlapWindow  time.Duration
	jwtIssuer      string
	jwtTTL         time.Duration

	now  func() time.Time
	sink audit.Sink
	log  *slog.Logger

	mu         sync.RWMutex
	active     *signingKey
	retired    []retiredKey
	nextRotate time.Time
}

// New creates a CA with no signing key loaded. Call Rotate (or Run) to
// generate the first key; until then issuance fails with ErrCAUnavailable.
func New(cfg Config) (*CA, error) {
	if cfg.TrustDomain.IsZero() {
		return nil, fmt.Errorf("ca: trust domain is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("ca: key manager is required")
	}
	if cfg.Bundles == nil {
		return nil, fmt.Errorf("ca: bundle store is required")
	}
	if cfg.KeyType == "" {
		cfg.KeyType = keymanager.KeyTypeECP256
	}
	if cfg.MaxSVIDTTL <= 0 {
		cfg.MaxSVIDTTL = time.Hour
	}
	if cfg.RotationPeriod <= 0 {
		cfg.RotationPeriod = 24 * time.Hour
	}
	if cfg.OverlapWindow <= 0 {
		cfg.OverlapWindow = cfg.MaxSVIDTTL
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "meshguard"
	}
	if cfg.JWTTTL <= 0 {
		cfg.JWTTTL = 5 * time.Minute
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

	return &CA{
		td:             cfg.TrustDomain,
		keys:           cfg.Keys,
		bundles:        cfg.Bundles,
		keyType:        cfg.KeyType,
		maxTTL:         cfg.MaxSVIDTTL,
		rotationPeriod: cfg.RotationPeriod,
		overlapWindow:  cfg.OverlapWindow,
		jwtIssuer:      cfg.JWTIssuer,
		jwtTTL:         cfg.JWTTTL,
		now:            cfg.Clock,
		sink:           cfg.Sink,
		log:            cfg.Logger.With("component", "ca"),
	}, nil
}

// TrustDomain returns the trust domain this CA issues for.
func (ca *CA) TrustDomain() spiffeid.TrustDomain {
	return ca.td
}

// MaxSVIDTTL returns the cap applied to issued SVID lifetimes.
func (ca *CA) MaxSVIDTTL() time.Duration {
	return ca.maxTTL
}

// IssueX509 issues an X.509 SVID for id with a freshly generated P-256 key
// pair. The effective lifetime is min(ttl, maxSVIDTTL); a non-positive ttl
// requests the maximum.
func (ca *CA) IssueX509(ctx context.Context, id spiffeid.ID, ttl time.Duration) (*domain.X509SVID, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ca: svid key generation failed: %w", err)
	}
	svid, err := ca.issueX509(ctx, id, ttl, key.Public(), key)
	if err != nil {
		return nil, err
	}
	return svid, nil
}

// IssueX509WithPublicKey issues an X.509 SVID binding a caller-supplied
// public key (bring-your-own-key). The returned SVID holds no private key.
func (ca *CA) IssueX509WithPublicKey(ctx context.Context, id spiffeid.ID, ttl time.Duration, pub crypto.PublicKey) (*domain.X509SVID, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: public key is required", domain.ErrInvalidIdentity)
	}
	return ca.issueX509(ctx, id, ttl, pub, nil)
}

func (ca *CA) issueX509(_ context.Context, id spiffeid.ID, ttl time.Duration, pub crypto.PublicKey, key crypto.Signer) (*domain.X509SVID, error) {
	if err := domain.ValidateMember(id, ca.td); err != nil {
		return nil, err
	}

	ca.mu.RLock()
	active := ca.active
	ca.mu.RUnlock()
	if active == nil {
		return nil, fmt.Errorf("%w: no signing key loaded", domain.ErrCAUnavailable)
	}

	ttl = ca.clampTTL(ttl)
	now := ca.now()

	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("ca: serial generation failed: %w", err)
	}
	uri, err := url.Parse(id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidIdentity, err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"meshguard"}},
		URIs:                  []*url.URL{uri},
		NotBefore:             now.Add(-notBeforeSkew),
		NotAfter:              now.Add(ttl),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, active.cert, pub, active.signer)
	if err != nil {
		return nil, fmt.Errorf("ca: certificate signing failed: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse signed certificate: %w", err)
	}

	return domain.NewX509SVID(id, cert, []*x509.Certificate{cert, active.cert}, key, now)
}

// Rotate generates a new signing key, publishes it into the trust bundle
// alongside any still-overlapping keys, and schedules the previous key's
// retirement at the end of the overlap window.
func (ca *CA) Rotate(ctx context.Context) error {
	now := ca.now()

	keyID, err := newKeyID()
	if err != nil {
		return fmt.Errorf("ca: key id generation failed: %w", err)
	}
	signer, err := ca.keys.GenerateKey(keyID, ca.keyType)
	if err != nil {
		return fmt.Errorf("ca: signing key generation failed: %w", err)
	}

	cert, err := ca.selfSignCA(keyID, signer, now)
	if err != nil {
		return err
	}
	next := &signingKey{id: keyID, signer: signer, cert: cert}

	ca.mu.Lock()
	prev := ca.active
	ca.active = next
	if prev != nil {
		ca.retired = append(ca.retired, retiredKey{key: prev, retireAt: now.Add(ca.overlapWindow)})
	}
	ca.nextRotate = now.Add(ca.rotationPeriod)
	ca.mu.Unlock()

	// Publish the new authority; readers atomically see old+new together.
	ca.bundles.AppendAuthority(ca.td, cert)

	ca.log.Info("rotated signing key", "key_id", keyID, "trust_domain", ca.td.String())
	ca.sink.Record(ctx, audit.Event{
		Time:   now,
		Kind:   audit.KindBundleRotated,
		Detail: fmt.Sprintf("signing key %s activated", keyID),
	})
	return nil
}

// PruneRetired removes rotated-out keys whose overlap window has passed from
// the trust bundle. Their SVIDs have expired naturally by then.
func (ca *CA) PruneRetired() {
	now := ca.now()

	ca.mu.Lock()
	var kept []retiredKey
	var prune []*signingKey
	for _, r := range ca.retired {
		if now.Before(r.retireAt) {
			kept = append(kept, r)
			continue
		}
		prune = append(prune, r.key)
	}
	ca.retired = kept
	ca.mu.Unlock()

	for _, k := range prune {
		ca.bundles.RemoveAuthority(ca.td, k.cert)
		ca.log.Info("retired signing key", "key_id", k.id)
	}
}

// Ready reports whether a signing key is loaded.
func (ca *CA) Ready() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.active != nil
}

// Run rotates on the configured period until ctx is canceled. A CA without a
// signing key rotates immediately so it comes up issuing.
func (ca *CA) Run(ctx context.Context) error {
	if !ca.Ready() {
		if err := ca.Rotate(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(ca.checkInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ca.mu.RLock()
			due := !ca.now().Before(ca.nextRotate)
			ca.mu.RUnlock()
			if due {
				if err := ca.Rotate(ctx); err != nil {
					// Degrades new issuance only; issued SVIDs stay valid.
					ca.log.Error("signing key rotation failed", "error", err)
				}
			}
			ca.PruneRetired()
		}
	}
}

func (ca *CA) checkInterval() time.Duration {
	interval := ca.rotationPeriod / 20
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

func (ca *CA) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > ca.maxTTL {
		return ca.maxTTL
	}
	return ttl
}

func (ca *CA) selfSignCA(keyID string, signer crypto.Signer, now time.Time) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("ca: serial generation failed: %w", err)
	}

	// The CA cert must outlive every SVID signed during its active period
	// plus the overlap window.
	lifetime := ca.rotationPeriod + ca.overlapWindow + ca.maxTTL

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"meshguard"},
			CommonName:   fmt.Sprintf("meshguard CA %s", ca.td.String()),
		},
		NotBefore:             now.Add(-notBeforeSkew),
		NotAfter:              now.Add(lifetime),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SubjectKeyId:          []byte(keyID),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to self-sign CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse CA certificate: %w", err)
	}
	return cert, nil
}

func newKeyID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
