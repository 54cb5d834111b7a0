package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/meshguard/meshguard/internal/bundle"
	"github.com/meshguard/meshguard/internal/ca"
)

// Admin serves the TCP control surface: liveness, readiness, and the public
// trust bundle for out-of-band distribution. It exposes no issuance
// operations; those stay on the peer-authenticated Unix socket.
type Admin struct {
	addr      string
	td        spiffeid.TrustDomain
	bundles   *bundle.Store
	authority *ca.CA
	log       *slog.Logger

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener
	wg   sync.WaitGroup
}

// NewAdmin creates the control listener on addr ("host:port").
func NewAdmin(addr string, td spiffeid.TrustDomain, bundles *bundle.Store, authority *ca.CA, logger *slog.Logger) (*Admin, error) {
	if addr == "" {
		return nil, fmt.Errorf("server: admin address is required")
	}
	if td.IsZero() {
		return nil, fmt.Errorf("server: trust domain is required")
	}
	if bundles == nil {
		return nil, fmt.Errorf("server: bundle store is required")
	}
	if authority == nil {
		return nil, fmt.Errorf("server: certificate authority is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		addr:      addr,
		td:        td,
		bundles:   bundles,
		authority: authority,
		log:       logger.With("component", "admin"),
	}, nil
}

// Addr returns the bound address; valid after Start.
func (a *Admin) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return a.addr
	}
	return a.ln.Addr().String()
}

// Start listens and serves until Stop.
func (a *Admin) Start() error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Get("/bundle", a.handleBundle)

	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen on %s: %w", a.addr, err)
	}
	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.mu.Lock()
	a.ln = ln
	a.http = srv
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("admin serve failed", "error", err)
		}
	}()

	a.log.Info("admin api listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains in-flight requests.
func (a *Admin) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.http
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	a.wg.Wait()
	return err
}

func (a *Admin) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","trustDomain":%q}`, a.td.String())
}

// handleReady reports 503 until the CA holds a signing key; load balancers
// should not route issuance traffic before then.
func (a *Admin) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !a.authority.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"no signing key"}`)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ready"}`)
}

func (a *Admin) handleBundle(w http.ResponseWriter, _ *http.Request) {
	b, err := a.bundles.Bundle(a.td)
	if err != nil {
		http.Error(w, "trust bundle not available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.MarshalPEM())
}
