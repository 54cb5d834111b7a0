// Package bundle holds trust bundles: the set of CA certificates trusted per
// trust domain. The store publishes updates by atomic snapshot swap so
// readers always observe a fully-old or fully-new bundle, never a partial
// update.
package bundle

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// ErrBundleNotFound indicates the trust domain has no published bundle.
var ErrBundleNotFound = errors.New("trust bundle not found")

// Bundle is an immutable set of CA certificates for one trust domain.
type Bundle struct {
	td    spiffeid.TrustDomain
	roots []*x509.Certificate
}

// NewBundle creates a bundle; the certificate slice is defensively copied.
func NewBundle(td spiffeid.TrustDomain, roots []*x509.Certificate) *Bundle {
	copied := make([]*x509.Certificate, len(roots))
	copy(copied, roots)
	return &Bundle{td: td, roots: copied}
}

// TrustDomain returns the trust domain this bundle covers.
func (b *Bundle) TrustDomain() spiffeid.TrustDomain { return b.td }

// X509Authorities returns a defensive copy of the CA certificates.
func (b *Bundle) X509Authorities() []*x509.Certificate {
	out := make([]*x509.Certificate, len(b.roots))
	copy(out, b.roots)
	return out
}

// CertPool returns the bundle as an x509.CertPool for chain verification.
func (b *Bundle) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range b.roots {
		pool.AddCert(c)
	}
	return pool
}

// Contains reports whether cert is one of the bundle's authorities.
func (b *Bundle) Contains(cert *x509.Certificate) bool {
	for _, c := range b.roots {
		if bytes.Equal(c.Raw, cert.Raw) {
			return true
		}
	}
	return false
}

// Len returns the number of authorities in the bundle.
func (b *Bundle) Len() int { return len(b.roots) }

// MarshalPEM returns the bundle as concatenated PEM CERTIFICATE blocks.
func (b *Bundle) MarshalPEM() []byte {
	var buf bytes.Buffer
	for _, c := range b.roots {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return buf.Bytes()
}

type bundleSet map[spiffeid.TrustDomain]*Bundle

// Store holds the trust bundles of all known trust domains. Reads are
// lock-free snapshot loads; writes copy the whole set and swap the pointer.
// Only the CA mutates the store, on key rotation.
type Store struct {
	writeMu sync.Mutex // serializes writers; readers never take it
	snap    atomic.Pointer[bundleSet]
}

// NewStore creates an empty bundle store.
func NewStore() *Store {
	s := &Store{}
	empty := make(bundleSet)
	s.snap.Store(&empty)
	return s
}

// Bundle returns the bundle for a trust domain, or ErrBundleNotFound.
func (s *Store) Bundle(td spiffeid.TrustDomain) (*Bundle, error) {
	set := *s.snap.Load()
	b, ok := set[td]
	if !ok {
		return nil, fmt.Errorf("%w: trust domain %q", ErrBundleNotFound, td)
	}
	return b, nil
}

// SetAuthorities replaces the authority set for a trust domain.
func (s *Store) SetAuthorities(td spiffeid.TrustDomain, roots []*x509.Certificate) {
	s.mutate(td, func(*Bundle) []*x509.Certificate { return roots })
}

// AppendAuthority adds a CA certificate to a trust domain's bundle, keeping
// the existing authorities. Used during key rotation overlap.
func (s *Store) AppendAuthority(td spiffeid.TrustDomain, cert *x509.Certificate) {
	s.mutate(td, func(cur *Bundle) []*x509.Certificate {
		if cur == nil {
			return []*x509.Certificate{cert}
		}
		if cur.Contains(cert) {
			return cur.X509Authorities()
		}
		return append(cur.X509Authorities(), cert)
	})
}

// RemoveAuthority retires a CA certificate from a trust domain's bundle.
// Used when a rotated-out key leaves its overlap window.
func (s *Store) RemoveAuthority(td spiffeid.TrustDomain, cert *x509.Certificate) {
	s.mutate(td, func(cur *Bundle) []*x509.Certificate {
		if cur == nil {
			return nil
		}
		kept := make([]*x509.Certificate, 0, cur.Len())
		for _, c := range cur.X509Authorities() {
			if !bytes.Equal(c.Raw, cert.Raw) {
				kept = append(kept, c)
			}
		}
		return kept
	})
}

// Snapshot returns all bundles in the current snapshot.
func (s *Store) Snapshot() []*Bundle {
	set := *s.snap.Load()
	out := make([]*Bundle, 0, len(set))
	for _, b := range set {
		out = append(out, b)
	}
	return out
}

// mutate applies fn to the trust domain's current bundle and publishes a new
// snapshot containing the result. Copy-on-write: concurrent readers keep the
// old snapshot until the swap.
func (s *Store) mutate(td spiffeid.TrustDomain, fn func(cur *Bundle) []*x509.Certificate) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := *s.snap.Load()
	next := make(bundleSet, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[td] = NewBundle(td, fn(old[td]))
	s.snap.Store(&next)
}
