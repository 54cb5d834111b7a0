// Package server exposes the workload API over a Unix domain socket. Callers
// are identified by kernel-reported socket peer credentials; no bearer token
// is needed for the unix attestation flow because the evidence comes from the
// kernel, not the caller.
package server

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/meshguard/meshguard/internal/bundle"
	"github.com/meshguard/meshguard/internal/ca"
	"github.com/meshguard/meshguard/internal/cache"
	"github.com/meshguard/meshguard/internal/domain"
)

// workloadHeader optionally carries the identity the caller claims; the
// claim never overrides kernel evidence, it only has to be consistent
// with it.
const workloadHeader = "X-MeshGuard-Workload"

// Config configures the workload API server.
type Config struct {
	TrustDomain spiffeid.TrustDomain
	SocketPath  string
	Cache       *cache.Cache
	Authority   *ca.CA
	Bundles     *bundle.Store
	// DefaultTTL is the X.509 SVID lifetime requested for workloads without
	// a registered TTL; the CA caps it regardless.
	DefaultTTL time.Duration
	Logger     *slog.Logger
}

// Server serves the workload API.
type Server struct {
	td         spiffeid.TrustDomain
	socketPath string
	cache      *cache.Cache
	authority  *ca.CA
	bundles    *bundle.Store
	defaultTTL time.Duration
	log        *slog.Logger

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener
	wg   sync.WaitGroup
}

// New creates a workload API server.
func New(cfg Config) (*Server, error) {
	if cfg.TrustDomain.IsZero() {
		return nil, fmt.Errorf("server: trust domain is required")
	}
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("server: socket path is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("server: identity cache is required")
	}
	if cfg.Authority == nil {
		return nil, fmt.Errorf("server: certificate authority is required")
	}
	if cfg.Bundles == nil {
		return nil, fmt.Errorf("server: bundle store is required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		td:         cfg.TrustDomain,
		socketPath: cfg.SocketPath,
		cache:      cfg.Cache,
		authority:  cfg.Authority,
		bundles:    cfg.Bundles,
		defaultTTL: cfg.DefaultTTL,
		log:        cfg.Logger.With("component", "server"),
	}, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/svid/x509", s.handleX509)
	r.Get("/svid/jwt", s.handleJWT)
	r.Get("/bundle", s.handleBundle)
	return r
}

// Start listens on the Unix socket and serves until Stop. The socket
// directory is private to the agent; the socket itself is world-connectable
// because authorization happens per request from peer credentials.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("server: failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("server: failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("server: failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o777); err != nil { // #nosec G302 -- any local uid may connect; peercred authorizes
		_ = ln.Close()
		return fmt.Errorf("server: failed to chmod socket: %w", err)
	}

	srv := &http.Server{
		Handler:           s.routes(),
		ConnContext:       connContext,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	s.mu.Lock()
	s.ln = ln
	s.http = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("workload api serve failed", "error", err)
		}
	}()

	s.log.Info("workload api listening", "socket", s.socketPath)
	return nil
}

// Stop drains in-flight requests and removes the socket.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return err
}

// x509Response is the wire form of an issued X.509 SVID.
type x509Response struct {
	SpiffeID    string    `json:"spiffeId"`
	Certificate string    `json:"certificate"`          // PEM, leaf first
	PrivateKey  string    `json:"privateKey,omitempty"` // PEM PKCS#8
	ExpiresAt   time.Time `json:"expiresAt"`
}

// jwtResponse is the wire form of an issued JWT-SVID.
type jwtResponse struct {
	SpiffeID  string    `json:"spiffeId"`
	Token     string    `json:"token"`
	Audience  string    `json:"audience"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleX509(w http.ResponseWriter, r *http.Request) {
	svid, err := s.issueForCaller(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var chainPEM []byte
	for _, cert := range svid.Chain() {
		chainPEM = append(chainPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}

	resp := x509Response{
		SpiffeID:    svid.ID().String(),
		Certificate: string(chainPEM),
		ExpiresAt:   svid.ExpiresAt(),
	}
	if key := svid.PrivateKey(); key != nil {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			s.writeError(w, fmt.Errorf("failed to encode private key: %w", err))
			return
		}
		resp.PrivateKey = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJWT(w http.ResponseWriter, r *http.Request) {
	audience := r.URL.Query().Get("audience")
	if audience == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "audience query parameter is required"})
		return
	}

	// The caller must hold an attested identity before a JWT is minted for it.
	svid, err := s.issueForCaller(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jwtSVID, err := s.authority.IssueJWT(r.Context(), svid.ID(), audience)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, jwtResponse{
		SpiffeID:  jwtSVID.ID().String(),
		Token:     jwtSVID.Token(),
		Audience:  audience,
		ExpiresAt: jwtSVID.ExpiresAt(),
	})
}

func (s *Server) handleBundle(w http.ResponseWriter, _ *http.Request) {
	b, err := s.bundles.Bundle(s.td)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.MarshalPEM())
}

// issueForCaller attests the connection peer and returns its current SVID.
func (s *Server) issueForCaller(r *http.Request) (*domain.X509SVID, error) {
	proc := peerFromContext(r.Context())
	if proc == nil {
		return nil, fmt.Errorf("%w: no peer credentials on connection", domain.ErrAttestationDenied)
	}

	claimed := r.Header.Get(workloadHeader)
	key := claimed
	if key == "" {
		key = fmt.Sprintf("unix:%d:%d", proc.UID, proc.GID)
	}

	evidence := func(context.Context) (domain.Claim, error) {
		return domain.Claim{
			Provider:   domain.ProviderUnix,
			WorkloadID: claimed,
			Process:    proc,
		}, nil
	}
	return s.cache.GetOrIssue(r.Context(), key, s.defaultTTL, evidence)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAttestationDenied):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidIdentity), errors.Is(err, domain.ErrInvalidClaim):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrCAUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, bundle.ErrBundleNotFound):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("workload api request failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}
