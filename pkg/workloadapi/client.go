// Package workloadapi is the client workloads use to fetch their identity
// over the agent's Unix domain socket. Unix-attested callers need no
// credentials; the agent reads the caller's process identity from the socket
// peer.
package workloadapi

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

const workloadHeader = "X-MeshGuard-Workload"

// X509SVID is a fetched X.509 identity, ready for TLS use.
type X509SVID struct {
	ID           spiffeid.ID
	Certificates []*x509.Certificate // leaf first
	PrivateKey   crypto.Signer
	ExpiresAt    time.Time
}

// TLSCertificate renders the SVID for crypto/tls.
func (s *X509SVID) TLSCertificate() tls.Certificate {
	cert := tls.Certificate{PrivateKey: s.PrivateKey, Leaf: s.Certificates[0]}
	for _, c := range s.Certificates {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return cert
}

// JWTSVID is a fetched JWT identity.
type JWTSVID struct {
	ID        spiffeid.ID
	Token     string
	Audience  string
	ExpiresAt time.Time
}

// Client talks to the workload API socket.
type Client struct {
	http       *http.Client
	workloadID string
}

// Option configures a Client.
type Option func(*Client)

// WithWorkloadID declares the identity the caller claims. The agent checks
// the claim against attestation evidence; it is never trusted on its own.
func WithWorkloadID(id string) Option {
	return func(c *Client) { c.workloadID = id }
}

// WithTimeout overrides the default 30s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a client for the agent socket at socketPath.
func New(socketPath string, opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchX509SVID fetches the caller's current X.509 SVID, triggering issuance
// on first use.
func (c *Client) FetchX509SVID(ctx context.Context) (*X509SVID, error) {
	var resp struct {
		SpiffeID    string    `json:"spiffeId"`
		Certificate string    `json:"certificate"`
		PrivateKey  string    `json:"privateKey"`
		ExpiresAt   time.Time `json:"expiresAt"`
	}
	if err := c.get(ctx, "/svid/x509", &resp); err != nil {
		return nil, err
	}

	id, err := spiffeid.FromString(resp.SpiffeID)
	if err != nil {
		return nil, fmt.Errorf("workloadapi: malformed spiffe id in response: %w", err)
	}
	certs, err := parseCertificates([]byte(resp.Certificate))
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("workloadapi: response carried no certificates")
	}
	key, err := parsePrivateKey([]byte(resp.PrivateKey))
	if err != nil {
		return nil, err
	}

	return &X509SVID{
		ID:           id,
		Certificates: certs,
		PrivateKey:   key,
		ExpiresAt:    resp.ExpiresAt,
	}, nil
}

// FetchJWTSVID fetches a JWT-SVID scoped to audience.
func (c *Client) FetchJWTSVID(ctx context.Context, audience string) (*JWTSVID, error) {
	if audience == "" {
		return nil, fmt.Errorf("workloadapi: audience is required")
	}
	var resp struct {
		SpiffeID  string    `json:"spiffeId"`
		Token     string    `json:"token"`
		Audience  string    `json:"audience"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := c.get(ctx, "/svid/jwt?audience="+url.QueryEscape(audience), &resp); err != nil {
		return nil, err
	}
	id, err := spiffeid.FromString(resp.SpiffeID)
	if err != nil {
		return nil, fmt.Errorf("workloadapi: malformed spiffe id in response: %w", err)
	}
	return &JWTSVID{
		ID:        id,
		Token:     resp.Token,
		Audience:  resp.Audience,
		ExpiresAt: resp.ExpiresAt,
	}, nil
}

// FetchBundle fetches the trust bundle as a certificate pool plus the raw
// authorities.
func (c *Client) FetchBundle(ctx context.Context) (*x509.CertPool, []*x509.Certificate, error) {
	body, err := c.getRaw(ctx, "/bundle")
	if err != nil {
		return nil, nil, err
	}
	certs, err := parseCertificates(body)
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return pool, certs, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	body, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("workloadapi: malformed response: %w", err)
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://meshguard"+path, nil)
	if err != nil {
		return nil, err
	}
	if c.workloadID != "" {
		req.Header.Set(workloadHeader, c.workloadID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workloadapi: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("workloadapi: failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("workloadapi: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("workloadapi: unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

func parseCertificates(pemBytes []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("workloadapi: malformed certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("workloadapi: no private key in response")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("workloadapi: malformed private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("workloadapi: key type %T cannot sign", key)
	}
	return signer, nil
}
