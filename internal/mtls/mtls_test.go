package mtls_test

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/meshguard/internal/audit"
	"github.com/meshguard/meshguard/internal/bundle"
	"github.com/meshguard/meshguard/internal/ca"
	"github.com/meshguard/meshguard/internal/domain"
	"github.com/meshguard/meshguard/internal/keymanager"
	"github.com/meshguard/meshguard/internal/mtls"
)

var testTD = spiffeid.RequireTrustDomainFromString("test.example")

type fixture struct {
	authority *ca.CA
	bundles   *bundle.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bundles := bundle.NewStore()
	authority, err := ca.New(ca.Config{
		TrustDomain: testTD,
		Keys:        keymanager.NewMemory(),
		Bundles:     bundles,
		MaxSVIDTTL:  time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, authority.Rotate(context.Background()))
	return &fixture{authority: authority, bundles: bundles}
}

func (f *fixture) svid(t *testing.T, path string) *domain.X509SVID {
	t.Helper()
	id, err := domain.IDFromPath(testTD, path)
	require.NoError(t, err)
	svid, err := f.authority.IssueX509(context.Background(), id, 10*time.Minute)
	require.NoError(t, err)
	return svid
}

// echoServer accepts one connection at a time and echoes one message.
func echoServer(t *testing.T, cfg *tls.Config) net.Addr {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 64)
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				_, _ = conn.Write(buf[:n])
			}(conn)
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	return ln.Addr()
}

func dialEcho(addr net.Addr, cfg *tls.Config) (string, error) {
	conn, err := tls.Dial("tcp", addr.String(), cfg)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("ping")); err != nil {
		return "", err
	}
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return string(buf[:n]), err
	}
	return string(buf[:n]), nil
}

func TestMutualTLSBetweenWorkloads(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	frontend := f.svid(t, "/frontend")
	backend := f.svid(t, "/backend")

	serverCfg, err := mtls.NewServerConfig(mtls.Config{
		Source:      mtls.StaticSource{SVID: backend},
		Bundles:     f.bundles,
		TrustDomain: testTD,
		Policy:      mtls.Policy{AllowedPeerIDs: []spiffeid.ID{frontend.ID()}},
	})
	require.NoError(t, err)
	addr := echoServer(t, serverCfg)

	clientCfg, err := mtls.NewClientConfig(mtls.Config{
		Source:      mtls.StaticSource{SVID: frontend},
		Bundles:     f.bundles,
		TrustDomain: testTD,
		Policy:      mtls.Policy{AllowedPeerIDs: []spiffeid.ID{backend.ID()}},
	})
	require.NoError(t, err)

	got, err := dialEcho(addr, clientCfg)
	require.NoError(t, err)
	assert.Equal(t, "ping", got)
}

func TestServerRejectsDisallowedPeer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	frontend := f.svid(t, "/frontend")
	backend := f.svid(t, "/backend")
	intruder := f.svid(t, "/intruder")

	sink := &recordingSink{}
	serverCfg, err := mtls.NewServerConfig(mtls.Config{
		Source:      mtls.StaticSource{SVID: backend},
		Bundles:     f.bundles,
		TrustDomain: testTD,
		Policy:      mtls.Policy{AllowedPeerIDs: []spiffeid.ID{frontend.ID()}},
		Sink:        sink,
	})
	require.NoError(t, err)
	addr := echoServer(t, serverCfg)

	clientCfg, err := mtls.NewClientConfig(mtls.Config{
		Source:      mtls.StaticSource{SVID: intruder},
		Bundles:     f.bundles,
		TrustDomain: testTD,
		Policy:      mtls.Policy{TrustDomain: testTD},
	})
	require.NoError(t, err)

	// The intruder's certificate is valid but its identity is not allowed.
	// The server terminates the session during or right after the handshake.
	_, err = dialEcho(addr, clientCfg)
	assert.Error(t, err)
	assert.True(t, sink.has(audit.KindHandshakeRejected, intruder.ID().String()))
}

func TestClientRejectsUnexpectedServer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	frontend := f.svid(t, "/frontend")
	backend := f.svid(t, "/backend")

	serverCfg, err := mtls.NewServerConfig(mtls.Config{
		Source:      mtls.StaticSource{SVID: backend},
		Bundles:     f.bundles,
		TrustDomain: testTD,
		Policy:      mtls.Policy{TrustDomain: testTD},
	})
	require.NoError(t, err)
	addr := echoServer(t, serverCfg)

	// Client expects to reach the database, not the backend.
	expected := spiffeid.RequireFromString("spiffe://test.example/database")
	clientCfg, err := mtls.NewClientConfig(mtls.Config{
		Source:      mtls.StaticSource{SVID: frontend},
		Bundles:     f.bundles,
		TrustDomain: testTD,
		Policy:      mtls.Policy{AllowedPeerIDs: []spiffeid.ID{expected}},
	})
	require.NoError(t, err)

	_, err = dialEcho(addr, clientCfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHandshakeRejected)
}

func TestHandshakeRejectsUntrustedAuthority(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	backend := f.svid(t, "/backend")

	// A parallel authority for the same trust domain, absent from the
	// server's bundle.
	rogue := newFixture(t)
	forged := rogue.svid(t, "/frontend")

	serverCfg, err := mtls.NewServerConfig(mtls.Config{
		Source:      mtls.StaticSource{SVID: backend},
		Bundles:     f.bundles,
		TrustDomain: testTD,
		Policy:      mtls.Policy{TrustDomain: testTD},
	})
	require.NoError(t, err)
	addr := echoServer(t, serverCfg)

	clientCfg, err := mtls.NewClientConfig(mtls.Config{
		Source:      mtls.StaticSource{SVID: forged},
		Bundles:     rogue.bundles,
		TrustDomain: testTD,
		Policy:      mtls.Policy{TrustDomain: testTD},
	})
	require.NoError(t, err)

	_, err = dialEcho(addr, clientCfg)
	assert.Error(t, err)
}

func TestTrustDomainPolicyAdmitsAnyMember(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	frontend := f.svid(t, "/frontend")
	backend := f.svid(t, "/backend")

	serverCfg, err := mtls.NewServerConfig(mtls.Config{
		Source:      mtls.StaticSource{SVID: backend},
		Bundles:     f.bundles,
		TrustDomain: testTD,
		Policy:      mtls.Policy{TrustDomain: testTD},
	})
	require.NoError(t, err)
	addr := echoServer(t, serverCfg)

	clientCfg, err := mtls.NewClientConfig(mtls.Config{
		Source:      mtls.StaticSource{SVID: frontend},
		Bundles:     f.bundles,
		TrustDomain: testTD,
		Policy:      mtls.Policy{TrustDomain: testTD},
	})
	require.NoError(t, err)

	got, err := dialEcho(addr, clientCfg)
	require.NoError(t, err)
	assert.Equal(t, "ping", got)
}

func TestPolicyAuthorize(t *testing.T) {
	t.Parallel()

	frontend := spiffeid.RequireFromString("spiffe://test.example/frontend")
	foreign := spiffeid.RequireFromString("spiffe://other.example/frontend")

	tests := []struct {
		name    string
		policy  mtls.Policy
		peer    spiffeid.ID
		wantErr bool
	}{
		{
			name:   "allow list match",
			policy: mtls.Policy{AllowedPeerIDs: []spiffeid.ID{frontend}},
			peer:   frontend,
		},
		{
			name:    "allow list miss",
			policy:  mtls.Policy{AllowedPeerIDs: []spiffeid.ID{frontend}},
			peer:    foreign,
			wantErr: true,
		},
		{
			name:   "trust domain match",
			policy: mtls.Policy{TrustDomain: testTD},
			peer:   frontend,
		},
		{
			name:    "trust domain miss",
			policy:  mtls.Policy{TrustDomain: testTD},
			peer:    foreign,
			wantErr: true,
		},
		{
			name:    "empty policy fails closed",
			policy:  mtls.Policy{},
			peer:    frontend,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.policy.Authorize(tt.peer)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrHandshakeRejected)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Record(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) has(kind audit.Kind, spiffeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind && ev.SpiffeID == spiffeID {
			return true
		}
	}
	return false
}
