//go:build linux

package workloadapi_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
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
	"github.com/meshguard/meshguard/pkg/workloadapi"
)

var testTD = spiffeid.RequireTrustDomainFromString("test.example")

func startAgent(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	ds := datastore.NewMemory()
	require.NoError(t, ds.PutEntry(ctx, datastore.Entry{
		WorkloadID: "me",
		Provider:   "unix",
		SpiffePath: "/me",
		Selectors:  []string{"unix:uid:" + strconv.Itoa(os.Getuid())},
	}))

	bundles := bundle.NewStore()
	authority, err := ca.New(ca.Config{
		TrustDomain: testTD,
		Keys:        keymanager.NewMemory(),
		Bundles:     bundles,
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
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(shutdownCtx))
	})
	return socketPath
}

func TestClientFetchX509SVID(t *testing.T) {
	client := workloadapi.New(startAgent(t), workloadapi.WithWorkloadID("me"))

	svid, err := client.FetchX509SVID(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "spiffe://test.example/me", svid.ID.String())
	require.NotEmpty(t, svid.Certificates)
	require.NotNil(t, svid.PrivateKey)
	assert.True(t, svid.ExpiresAt.After(time.Now()))

	// The parsed key pairs with the leaf certificate.
	tlsCert := svid.TLSCertificate()
	assert.Equal(t, svid.Certificates[0], tlsCert.Leaf)
	assert.Len(t, tlsCert.Certificate, len(svid.Certificates))
}

func TestClientFetchJWTSVID(t *testing.T) {
	client := workloadapi.New(startAgent(t))

	_, err := client.FetchJWTSVID(context.Background(), "")
	require.Error(t, err)

	svid, err := client.FetchJWTSVID(context.Background(), "backend")
	require.NoError(t, err)
	assert.Equal(t, "spiffe://test.example/me", svid.ID.String())
	assert.Equal(t, "backend", svid.Audience)
	// Compact JWS form.
	assert.Equal(t, 3, len(strings.Split(svid.Token, ".")))
}

func TestClientFetchBundle(t *testing.T) {
	client := workloadapi.New(startAgent(t))

	pool, certs, err := client.FetchBundle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pool)
	require.NotEmpty(t, certs)
	assert.True(t, certs[0].IsCA)
}

func TestClientSurfacesDenials(t *testing.T) {
	client := workloadapi.New(startAgent(t), workloadapi.WithWorkloadID("somebody-else"))

	_, err := client.FetchX509SVID(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
