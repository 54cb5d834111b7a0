// Package meshguard assembles the identity plane: plugin backends, signing
// authority, attestation strategies, identity cache, rotation scheduler, and
// the workload and admin APIs, all from one server configuration file.
package meshguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/meshguard/meshguard/internal/attestor"
	"github.com/meshguard/meshguard/internal/audit"
	"github.com/meshguard/meshguard/internal/bundle"
	"github.com/meshguard/meshguard/internal/ca"
	"github.com/meshguard/meshguard/internal/cache"
	"github.com/meshguard/meshguard/internal/config"
	"github.com/meshguard/meshguard/internal/datastore"
	"github.com/meshguard/meshguard/internal/domain"
	"github.com/meshguard/meshguard/internal/keymanager"
	"github.com/meshguard/meshguard/internal/server"
)

// System is an assembled identity plane. Fields are exposed for embedding
// and tests; most callers only need New and Run.
type System struct {
	TrustDomain spiffeid.TrustDomain
	DataStore   datastore.DataStore
	KeyManager  keymanager.KeyManager
	Bundles     *bundle.Store
	CA          *ca.CA
	Registry    *attestor.Registry
	Cache       *cache.Cache
	Rotator     *cache.Rotator
	Workload    *server.Server
	Admin       *server.Admin

	log   *slog.Logger
	sink  audit.Sink
	async *audit.Async
}

type options struct {
	logger      *slog.Logger
	auditWriter io.Writer
	sink        audit.Sink
	k8sClient   kubernetes.Interface
	metadata    attestor.InstanceDocumentAPI
	clock       func() time.Time
}

// Option customizes assembly, mostly to inject platform clients in tests.
type Option func(*options)

// WithLogger sets the logger for every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAuditWriter directs the default audit sink to w instead of stderr.
func WithAuditWriter(w io.Writer) Option {
	return func(o *options) { o.auditWriter = w }
}

// WithAuditSink replaces the default asynchronous log sink entirely.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithKubernetesClient injects the cluster client used by the kubernetes
// attestor; defaults to the in-cluster configuration.
func WithKubernetesClient(c kubernetes.Interface) Option {
	return func(o *options) { o.k8sClient = c }
}

// WithInstanceMetadata injects the EC2 metadata client used by the aws
// attestor; defaults to the SDK's IMDS client.
func WithInstanceMetadata(m attestor.InstanceDocumentAPI) Option {
	return func(o *options) { o.metadata = m }
}

// WithClock injects the time source for the CA and cache.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New validates cfg and assembles the system. Nothing listens or signs until
// Run.
func New(cfg *config.ServerConfig, opts ...Option) (*System, error) {
	if cfg == nil {
		return nil, fmt.Errorf("meshguard: server configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("meshguard: invalid configuration: %w", err)
	}
	td, err := cfg.TrustDomainID()
	if err != nil {
		return nil, err
	}

	o := options{logger: slog.Default(), auditWriter: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	sys := &System{TrustDomain: td, log: o.logger}

	sys.sink = o.sink
	if sys.sink == nil && cfg.Audit.IsEnabled() {
		logSink, err := audit.NewLogSink(o.auditWriter, cfg.Audit.Format, cfg.Audit.Level)
		if err != nil {
			return nil, err
		}
		sys.async = audit.NewAsync(logSink, 256)
		sys.sink = sys.async
	}
	if sys.sink == nil {
		// audit.enabled: false
		sys.sink = audit.Nop{}
	}

	sys.DataStore, err = datastore.New(cfg.Plugins.DataStore, filepath.Join(cfg.Plugins.DataDir, "registrations.json"))
	if err != nil {
		return nil, err
	}
	sys.KeyManager, err = keymanager.New(cfg.Plugins.KeyManager, filepath.Join(cfg.Plugins.DataDir, "keys"))
	if err != nil {
		return nil, err
	}
	sys.Bundles = bundle.NewStore()

	sys.CA, err = ca.New(ca.Config{
		TrustDomain:    td,
		Keys:           sys.KeyManager,
		Bundles:        sys.Bundles,
		KeyType:        keymanager.KeyType(cfg.CA.KeyType),
		MaxSVIDTTL:     cfg.CA.MaxSVIDTTL.Std(),
		RotationPeriod: cfg.CA.RotationPeriod.Std(),
		OverlapWindow:  cfg.CA.OverlapWindow.Std(),
		JWTIssuer:      cfg.JWT.Issuer,
		JWTTTL:         cfg.JWT.TTL.Std(),
		Clock:          o.clock,
		Sink:           sys.sink,
		Logger:         o.logger,
	})
	if err != nil {
		return nil, err
	}

	strategies, err := buildAttestors(cfg, td, sys.DataStore, &o)
	if err != nil {
		return nil, err
	}
	sys.Registry, err = attestor.NewRegistry(sys.sink, o.logger, strategies...)
	if err != nil {
		return nil, err
	}

	sys.Cache, err = cache.New(cache.Config{
		Attester:       sys.Registry,
		Issuer:         sys.CA,
		TTLFor:         registeredTTL(sys.DataStore),
		RotationMargin: cfg.Rotation.Margin,
		IdleEviction:   cfg.Rotation.IdleEviction.Std(),
		Clock:          o.clock,
		Sink:           sys.sink,
		Logger:         o.logger,
	})
	if err != nil {
		return nil, err
	}
	sys.Rotator, err = cache.NewRotator(sys.Cache, cfg.Rotation.ScanInterval.Std(), o.logger)
	if err != nil {
		return nil, err
	}

	sys.Workload, err = server.New(server.Config{
		TrustDomain: td,
		SocketPath:  cfg.SocketPath,
		Cache:       sys.Cache,
		Authority:   sys.CA,
		Bundles:     sys.Bundles,
		DefaultTTL:  cfg.CA.MaxSVIDTTL.Std(),
		Logger:      o.logger,
	})
	if err != nil {
		return nil, err
	}
	adminAddr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.BindPort))
	sys.Admin, err = server.NewAdmin(adminAddr, td, sys.Bundles, sys.CA, o.logger)
	if err != nil {
		return nil, err
	}

	return sys, nil
}

// registeredTTL resolves the SVID lifetime registered for an attested
// identity. Workloads without a registered lifetime keep the server default.
func registeredTTL(ds datastore.DataStore) func(context.Context, spiffeid.ID) time.Duration {
	return func(ctx context.Context, id spiffeid.ID) time.Duration {
		entries, err := ds.ListEntries(ctx)
		if err != nil {
			return 0
		}
		for _, e := range entries {
			if e.SpiffePath == id.Path() {
				return e.TTL
			}
		}
		return 0
	}
}

func buildAttestors(cfg *config.ServerConfig, td spiffeid.TrustDomain, ds datastore.DataStore, o *options) ([]attestor.Attestor, error) {
	var strategies []attestor.Attestor
	for _, name := range cfg.Plugins.WorkloadAttestors {
		switch domain.Provider(name) {
		case domain.ProviderUnix:
			a, err := attestor.NewUnix(td, ds)
			if err != nil {
				return nil, err
			}
			strategies = append(strategies, a)

		case domain.ProviderKubernetes:
			client := o.k8sClient
			if client == nil {
				restCfg, err := rest.InClusterConfig()
				if err != nil {
					return nil, fmt.Errorf("kubernetes attestor: %w", err)
				}
				client, err = kubernetes.NewForConfig(restCfg)
				if err != nil {
					return nil, fmt.Errorf("kubernetes attestor: %w", err)
				}
			}
			a, err := attestor.NewKubernetes(td, ds, client,
				cfg.Attestors.Kubernetes.Audiences,
				cfg.Attestors.Kubernetes.AllowedServiceAccounts)
			if err != nil {
				return nil, err
			}
			strategies = append(strategies, a)

		case domain.ProviderAWS:
			client := o.metadata
			if client == nil {
				awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
				if err != nil {
					return nil, fmt.Errorf("aws attestor: %w", err)
				}
				client = imds.NewFromConfig(awsCfg)
			}
			a, err := attestor.NewAWS(td, ds, client, cfg.Attestors.AWS.AllowedAccounts)
			if err != nil {
				return nil, err
			}
			strategies = append(strategies, a)

		case domain.ProviderAzure, domain.ProviderGCP:
			section := cfg.Attestors.Azure
			if domain.Provider(name) == domain.ProviderGCP {
				section = cfg.Attestors.GCP
			}
			pub, err := attestor.LoadPublicKey(section.PublicKeyFile)
			if err != nil {
				return nil, fmt.Errorf("%s attestor: %w", name, err)
			}
			a, err := attestor.NewOIDC(td, ds, attestor.OIDCConfig{
				Provider:     domain.Provider(name),
				Issuer:       section.Issuer,
				Audience:     section.Audience,
				SubjectClaim: section.SubjectClaim,
				PublicKey:    pub,
			})
			if err != nil {
				return nil, err
			}
			strategies = append(strategies, a)

		default:
			return nil, fmt.Errorf("unknown workload attestor %q", name)
		}
	}
	return strategies, nil
}

// RegisterWorkload translates a workload identity file into a registration
// entry. Selectors are provider-specific match criteria for unix workloads
// and may be empty for token-based providers.
func (s *System) RegisterWorkload(ctx context.Context, wcfg *config.WorkloadConfig, selectors []string) error {
	if wcfg == nil {
		return fmt.Errorf("meshguard: workload configuration is required")
	}
	if err := wcfg.Validate(); err != nil {
		return fmt.Errorf("meshguard: invalid workload configuration: %w", err)
	}
	entry := datastore.Entry{
		WorkloadID: wcfg.Identity.WorkloadID,
		Provider:   domain.Provider(wcfg.Identity.Provider),
		SpiffePath: "/" + wcfg.Identity.WorkloadID,
		Selectors:  selectors,
		TTL:        wcfg.TokenTTL(),
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	return s.DataStore.PutEntry(ctx, entry)
}

// Run brings the system up and serves until ctx is canceled, then shuts
// down cleanly. The CA signs before anything listens, so the first request
// never races the first key.
func (s *System) Run(ctx context.Context) error {
	if err := s.CA.Rotate(ctx); err != nil {
		return err
	}
	if err := s.Workload.Start(); err != nil {
		return err
	}
	if err := s.Admin.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Workload.Stop(stopCtx)
		return err
	}
	s.log.Info("identity plane up",
		"trust_domain", s.TrustDomain.String(),
		"admin_addr", s.Admin.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.CA.Run(gctx) })
	g.Go(func() error { return s.Rotator.Run(gctx) })
	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := s.Workload.Stop(stopCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	if stopErr := s.Admin.Stop(stopCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	if s.async != nil {
		s.async.Close()
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
