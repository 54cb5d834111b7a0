//go:build linux

package server_test

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/meshguard/internal/attestor"
	"github.com/meshguard/meshguard/internal/bundle"
	"github.com/meshguard/meshguard/internal/ca"
	"github.com/meshguard/meshguard/internal/cache"
	"github.com/meshguard/meshguard/internal/datastore"
	"github.com/meshguard/meshguard/internal/keymanager"
	"github.com/meshguard/meshguard/internal/server"
)

var testTD = spiffeid.RequireTrustDomainFromString("test.example")

type stack struct {
	authority *ca.CA
	client    *http.Client
}

// startStack brings up the full issuance path on a Unix socket with one
// registration entry matching the given uid selector.
func startStack(t *testing.T, registeredUID int) *stack {
	t.Helper()
	ctx := context.Background()

	ds := datastore.NewMemory()
	require.NoError(t, ds.PutEntry(ctx, datastore.Entry{
		WorkloadID: "me",
		Provider:   "unix",
		SpiffePath: "/me",
		Selectors:  []string{"unix:uid:" + strconv.Itoa(registeredUID)},
	}))

	bundles := bundle.NewStore()
	authority, err := ca.New(ca.Config{
		TrustDomain: testTD,
		Keys:        keymanager.NewMemory(),
		Bundles:     bundles,
		MaxSVIDTTL:  time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, authority.Rotate(ctx))

	unixAtt, err := attestor.NewUnix(testTD, ds)
	require.NoError(t, err)
	registry, err := attestor.NewRegistry(nil, nil, unixAtt)
	require.NoError(t, err)

	idCache, err := cache.New(cache.Config{
		Attester:       registry,
		Issuer:         authority,
		RotationMargin: 0.5,
	})
	require.NoError(t, err)

	socketPath := filepath.Join(t.TempDir(), "agent.sock")
	srv, err := server.New(server.Config{
		TrustDomain: testTD,
		SocketPath:  socketPath,
		Cache:       idCache,
		Authority:   authority,
		Bundles:     bundles,
		DefaultTTL:  time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(shutdownCtx))
	})

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 10 * time.Second,
	}
	return &stack{authority: authority, client: client}
}

func (s *stack) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := s.client.Get("http://meshguard" + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestWorkloadAPIIssuesX509SVID(t *testing.T) {
	s := startStack(t, os.Getuid())

	status, body := s.get(t, "/svid/x509")
	require.Equal(t, http.StatusOK, status, string(body))

	var resp struct {
		SpiffeID    string    `json:"spiffeId"`
		Certificate string    `json:"certificate"`
		PrivateKey  string    `json:"privateKey"`
		ExpiresAt   time.Time `json:"expiresAt"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))

	assert.Equal(t, "spiffe://test.example/me", resp.SpiffeID)
	assert.NotEmpty(t, resp.PrivateKey)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	block, _ := pem.Decode([]byte(resp.Certificate))
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)

	// Second request is a cache hit with the identical credential.
	status, body2 := s.get(t, "/svid/x509")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, string(body), string(body2))
}

func TestWorkloadAPIDeniesUnregisteredCaller(t *testing.T) {
	// Nothing is registered for this process's uid.
	s := startStack(t, os.Getuid()+101)

	status, _ := s.get(t, "/svid/x509")
	assert.Equal(t, http.StatusForbidden, status)
}

func TestWorkloadAPIIssuesJWTSVID(t *testing.T) {
	s := startStack(t, os.Getuid())

	status, _ := s.get(t, "/svid/jwt")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := s.get(t, "/svid/jwt?audience=backend")
	require.Equal(t, http.StatusOK, status, string(body))

	var resp struct {
		SpiffeID string `json:"spiffeId"`
		Token    string `json:"token"`
		Audience string `json:"audience"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "spiffe://test.example/me", resp.SpiffeID)
	assert.Equal(t, "backend", resp.Audience)

	id, err := s.authority.ValidateJWT(context.Background(), resp.Token, "backend")
	require.NoError(t, err)
	assert.Equal(t, "spiffe://test.example/me", id.String())
}

func TestWorkloadAPIServesBundle(t *testing.T) {
	s := startStack(t, os.Getuid())

	status, body := s.get(t, "/bundle")
	require.Equal(t, http.StatusOK, status)

	block, _ := pem.Decode(body)
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)
}

func TestWorkloadAPIInconsistentClaimDenied(t *testing.T) {
	s := startStack(t, os.Getuid())

	req, err := http.NewRequest(http.MethodGet, "http://meshguard/svid/x509", nil)
	require.NoError(t, err)
	req.Header.Set("X-MeshGuard-Workload", "somebody-else")

	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
