package domain

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// X509SVID is an immutable X.509 SPIFFE verifiable identity document.
//
// All fields are validated once at construction and never modified.
// Rotation creates a new X509SVID; it never edits an existing one.
// The expiry is derived from cert.NotAfter (single source of truth).
//
// Concurrency: safe for concurrent use (immutable value object).
type X509SVID struct {
	id       spiffeid.ID
	cert     *x509.Certificate
	chain    []*x509.Certificate // leaf-first
	key      crypto.Signer       // nil for bring-your-own-key issuance
	issuedAt time.Time
}

// NewX509SVID creates a validated, immutable X.509 SVID.
//
// The chain is normalized to be leaf-first: if it is empty or does not start
// with cert, it is rebuilt as [cert, ...intermediates]. A defensive copy is
// always made. key may be nil when the subject key pair is held by the
// workload (bring-your-own-key).
func NewX509SVID(id spiffeid.ID, cert *x509.Certificate, chain []*x509.Certificate, key crypto.Signer, issuedAt time.Time) (*X509SVID, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: id cannot be empty", ErrSVIDInvalid)
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: certificate cannot be nil", ErrSVIDInvalid)
	}
	if issuedAt.IsZero() {
		issuedAt = cert.NotBefore
	}

	var normalized []*x509.Certificate
	if len(chain) == 0 || chain[0] != cert {
		normalized = make([]*x509.Certificate, 1, 1+len(chain))
		normalized[0] = cert
		normalized = append(normalized, chain...)
	} else {
		normalized = make([]*x509.Certificate, len(chain))
		copy(normalized, chain)
	}

	return &X509SVID{
		id:       id,
		cert:     cert,
		chain:    normalized,
		key:      key,
		issuedAt: issuedAt,
	}, nil
}

// ID returns the SPIFFE ID this SVID is bound to.
func (s *X509SVID) ID() spiffeid.ID {
	return s.id
}

// Certificate returns the leaf certificate. The SPIFFE ID is carried in its
// URI SAN extension.
func (s *X509SVID) Certificate() *x509.Certificate {
	return s.cert
}

// Chain returns a defensive copy of the certificate chain, leaf-first.
func (s *X509SVID) Chain() []*x509.Certificate {
	out := make([]*x509.Certificate, len(s.chain))
	copy(out, s.chain)
	return out
}

// PrivateKey returns the subject private key, or nil for SVIDs issued against
// a workload-supplied public key.
func (s *X509SVID) PrivateKey() crypto.Signer {
	return s.key
}

// SerialNumber returns the leaf certificate serial number.
func (s *X509SVID) SerialNumber() *big.Int {
	return s.cert.SerialNumber
}

// IssuedAt returns the issuance time recorded by the CA.
func (s *X509SVID) IssuedAt() time.Time {
	return s.issuedAt
}

// ExpiresAt returns the expiration time from the leaf certificate.
func (s *X509SVID) ExpiresAt() time.Time {
	return s.cert.NotAfter
}

// Lifetime returns the total validity duration (issuedAt to expiry).
func (s *X509SVID) Lifetime() time.Duration {
	return s.ExpiresAt().Sub(s.issuedAt)
}

// IsExpiredAt reports whether the SVID is past its expiry at time t.
// Accepting the time explicitly keeps expiry checks testable.
func (s *X509SVID) IsExpiredAt(t time.Time) bool {
	return t.After(s.ExpiresAt())
}

// TLSCertificate assembles a tls.Certificate suitable for presenting this
// SVID during a handshake. Fails if the SVID has no private key.
func (s *X509SVID) TLSCertificate() (tls.Certificate, error) {
	if s.key == nil {
		return tls.Certificate{}, fmt.Errorf("%w: no private key held for %s", ErrSVIDInvalid, s.id)
	}
	raw := make([][]byte, 0, len(s.chain))
	for _, c := range s.chain {
		raw = append(raw, c.Raw)
	}
	return tls.Certificate{
		Certificate: raw,
		PrivateKey:  s.key,
		Leaf:        s.cert,
	}, nil
}

// JWTSVID is an immutable JWT-based SPIFFE verifiable identity document.
type JWTSVID struct {
	id        spiffeid.ID
	token     string
	audience  []string
	issuedAt  time.Time
	expiresAt time.Time
}

// NewJWTSVID creates a validated, immutable JWT SVID.
func NewJWTSVID(id spiffeid.ID, token string, audience []string, issuedAt, expiresAt time.Time) (*JWTSVID, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: id cannot be empty", ErrSVIDInvalid)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: token cannot be empty", ErrSVIDInvalid)
	}
	if !expiresAt.After(issuedAt) {
		return nil, fmt.Errorf("%w: expiry %s is not after issuance %s", ErrSVIDInvalid, expiresAt, issuedAt)
	}
	aud := make([]string, len(audience))
	copy(aud, audience)
	return &JWTSVID{
		id:        id,
		token:     token,
		audience:  aud,
		issuedAt:  issuedAt,
		expiresAt: expiresAt,
	}, nil
}

// ID returns the SPIFFE ID this SVID is bound to.
func (s *JWTSVID) ID() spiffeid.ID { return s.id }

// Token returns the signed, compact-serialized JWT.
func (s *JWTSVID) Token() string { return s.token }

// Audience returns a defensive copy of the audience claim.
func (s *JWTSVID) Audience() []string {
	out := make([]string, len(s.audience))
	copy(out, s.audience)
	return out
}

// IssuedAt returns the iat claim.
func (s *JWTSVID) IssuedAt() time.Time { return s.issuedAt }

// ExpiresAt returns the exp claim.
func (s *JWTSVID) ExpiresAt() time.Time { return s.expiresAt }
