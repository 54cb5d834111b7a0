// Package config defines the two configuration schemas the identity core
// consumes: the per-workload identity file (workload_identity.yaml) and the
// server file (server-config.yaml). Both are fixed collaborator contracts;
// field names must not change.
package config

import (
	"fmt"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"gopkg.in/yaml.v3"

	"github.com/meshguard/meshguard/internal/domain"
)

// Duration wraps time.Duration so YAML values like "24h" and "90s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler using time.ParseDuration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// WorkloadConfig mirrors workload_identity.yaml.
type WorkloadConfig struct {
	Identity       IdentitySection       `yaml:"identity"`
	Authentication AuthenticationSection `yaml:"authentication"`
	Authorization  AuthorizationSection  `yaml:"authorization"`
	Audit          AuditSection          `yaml:"audit"`
}

// IdentitySection names the workload and how it attests.
type IdentitySection struct {
	WorkloadID    string `yaml:"workloadId"`
	Provider      string `yaml:"provider"`      // kubernetes|aws|azure|gcp
	TokenLifetime int    `yaml:"tokenLifetime"` // seconds
}

// AuthenticationSection holds the mTLS settings.
type AuthenticationSection struct {
	MTLS MTLSSection `yaml:"mtls"`
}

// MTLSSection controls mutual TLS enforcement and certificate rotation.
type MTLSSection struct {
	Enabled            bool `yaml:"enabled"`
	CertRotationPeriod int  `yaml:"certRotationPeriod"` // hours
}

// AuthorizationSection holds the peer authorization policy.
type AuthorizationSection struct {
	DefaultRole            string   `yaml:"defaultRole"`
	AllowedServiceAccounts []string `yaml:"allowedServiceAccounts"`
}

// AuditSection controls the audit sink.
type AuditSection struct {
	Enabled *bool  `yaml:"enabled"`
	Level   string `yaml:"level"`  // debug|info|warn|error
	Format  string `yaml:"format"` // json|text
}

// IsEnabled reports whether auditing is on. An absent enabled key means on;
// only an explicit "enabled: false" disables the sink.
func (a *AuditSection) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Validate applies defaults and checks the enum fields.
func (a *AuditSection) Validate() error {
	if !a.IsEnabled() {
		return nil
	}
	switch a.Level {
	case "":
		a.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("audit.level %q must be one of debug|info|warn|error", a.Level)
	}
	switch a.Format {
	case "":
		a.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("audit.format %q must be json or text", a.Format)
	}
	return nil
}

// TokenTTL returns identity.tokenLifetime as a duration.
func (c *WorkloadConfig) TokenTTL() time.Duration {
	return time.Duration(c.Identity.TokenLifetime) * time.Second
}

// CertRotationPeriod returns authentication.mtls.certRotationPeriod as a duration.
func (c *WorkloadConfig) CertRotationPeriod() time.Duration {
	return time.Duration(c.Authentication.MTLS.CertRotationPeriod) * time.Hour
}

// Validate applies defaults and checks enum fields.
func (c *WorkloadConfig) Validate() error {
	if c.Identity.WorkloadID == "" {
		return fmt.Errorf("identity.workloadId is required")
	}
	p := domain.Provider(c.Identity.Provider)
	if !p.Valid() || p == domain.ProviderUnix {
		return fmt.Errorf("identity.provider %q must be one of kubernetes|aws|azure|gcp", c.Identity.Provider)
	}
	if c.Identity.TokenLifetime <= 0 {
		return fmt.Errorf("identity.tokenLifetime must be a positive number of seconds")
	}
	if c.Authentication.MTLS.Enabled && c.Authentication.MTLS.CertRotationPeriod <= 0 {
		c.Authentication.MTLS.CertRotationPeriod = 24
	}
	return c.Audit.Validate()
}

// ServerConfig mirrors server-config.yaml.
type ServerConfig struct {
	TrustDomain string           `yaml:"trustDomain"`
	BindAddress string           `yaml:"bindAddress"`
	BindPort    int              `yaml:"bindPort"`
	SocketPath  string           `yaml:"socketPath"`
	CA          CASection        `yaml:"ca"`
	JWT         JWTSection       `yaml:"jwt"`
	Rotation    RotationSection  `yaml:"rotation"`
	Audit       AuditSection     `yaml:"audit"`
	Plugins     PluginsSection   `yaml:"plugins"`
	Attestors   AttestorsSection `yaml:"attestors"`
}

// CASection configures the signing authority.
type CASection struct {
	KeyType        string   `yaml:"keyType"`        // ec-p256|rsa-2048
	MaxSVIDTTL     Duration `yaml:"maxSvidTtl"`     // cap on issued SVID lifetime
	RotationPeriod Duration `yaml:"rotationPeriod"` // signing key rotation period
	OverlapWindow  Duration `yaml:"overlapWindow"`  // old key remains trusted this long after rotation
}

// JWTSection configures JWT-SVID issuance.
type JWTSection struct {
	Issuer string   `yaml:"issuer"`
	TTL    Duration `yaml:"ttl"`
}

// RotationSection configures the identity cache rotation scheduler.
type RotationSection struct {
	// Margin is the fraction of an SVID's lifetime after which it is rotated.
	// Must be strictly between 0 and 1.
	Margin float64 `yaml:"margin"`
	// ScanInterval is how often the scheduler scans for due rotations.
	ScanInterval Duration `yaml:"scanInterval"`
	// IdleEviction drops entries not observed for this long from the schedule.
	IdleEviction Duration `yaml:"idleEviction"`
}

// PluginsSection selects backend implementations, SPIRE style.
type PluginsSection struct {
	DataStore         string   `yaml:"dataStore"`  // memory|disk
	KeyManager        string   `yaml:"keyManager"` // memory|disk
	DataDir           string   `yaml:"dataDir"`    // root for the disk plugins
	WorkloadAttestors []string `yaml:"workloadAttestors"`
}

// AttestorsSection carries per-strategy settings.
type AttestorsSection struct {
	Kubernetes KubernetesAttestorSection `yaml:"kubernetes"`
	AWS        AWSAttestorSection        `yaml:"aws"`
	Azure      OIDCAttestorSection       `yaml:"azure"`
	GCP        OIDCAttestorSection       `yaml:"gcp"`
}

// KubernetesAttestorSection configures TokenReview-based attestation.
type KubernetesAttestorSection struct {
	Audiences              []string `yaml:"audiences"`
	AllowedServiceAccounts []string `yaml:"allowedServiceAccounts"`
}

// AWSAttestorSection configures EC2 instance identity attestation.
type AWSAttestorSection struct {
	AllowedAccounts []string `yaml:"allowedAccounts"`
}

// OIDCAttestorSection configures identity-token attestation (azure, gcp).
type OIDCAttestorSection struct {
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	PublicKeyFile string `yaml:"publicKeyFile"`
	SubjectClaim  string `yaml:"subjectClaim"`
}

// Validate applies defaults and checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.TrustDomain == "" {
		return fmt.Errorf("trustDomain is required")
	}
	if _, err := spiffeid.TrustDomainFromString(c.TrustDomain); err != nil {
		return fmt.Errorf("trustDomain %q is invalid: %w", c.TrustDomain, err)
	}
	if c.BindAddress == "" {
		c.BindAddress = "127.0.0.1"
	}
	if c.BindPort == 0 {
		c.BindPort = 8081
	}
	if c.SocketPath == "" {
		c.SocketPath = "/tmp/meshguard/agent.sock"
	}

	switch c.CA.KeyType {
	case "":
		c.CA.KeyType = "ec-p256"
	case "ec-p256", "rsa-2048":
	default:
		return fmt.Errorf("ca.keyType %q must be ec-p256 or rsa-2048", c.CA.KeyType)
	}
	if c.CA.MaxSVIDTTL <= 0 {
		c.CA.MaxSVIDTTL = Duration(time.Hour)
	}
	if c.CA.RotationPeriod <= 0 {
		c.CA.RotationPeriod = Duration(24 * time.Hour)
	}
	if c.CA.OverlapWindow <= 0 {
		// Old keys must stay trusted at least as long as the longest-lived
		// SVID they signed, so in-flight SVIDs verify until natural expiry.
		c.CA.OverlapWindow = c.CA.MaxSVIDTTL
	}
	if c.CA.OverlapWindow < c.CA.MaxSVIDTTL {
		return fmt.Errorf("ca.overlapWindow %s must be at least ca.maxSvidTtl %s", c.CA.OverlapWindow.Std(), c.CA.MaxSVIDTTL.Std())
	}

	if c.JWT.TTL <= 0 {
		c.JWT.TTL = Duration(5 * time.Minute)
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "meshguard"
	}

	if c.Rotation.Margin == 0 {
		c.Rotation.Margin = 0.5
	}
	if c.Rotation.Margin <= 0 || c.Rotation.Margin >= 1 {
		return fmt.Errorf("rotation.margin %v must be strictly between 0 and 1", c.Rotation.Margin)
	}
	if c.Rotation.ScanInterval <= 0 {
		c.Rotation.ScanInterval = Duration(10 * time.Second)
	}
	if c.Rotation.IdleEviction <= 0 {
		c.Rotation.IdleEviction = Duration(24 * time.Hour)
	}

	if err := c.Audit.Validate(); err != nil {
		return err
	}

	switch c.Plugins.DataStore {
	case "":
		c.Plugins.DataStore = "memory"
	case "memory", "disk":
	default:
		return fmt.Errorf("plugins.dataStore %q must be memory or disk", c.Plugins.DataStore)
	}
	switch c.Plugins.KeyManager {
	case "":
		c.Plugins.KeyManager = "memory"
	case "memory", "disk":
	default:
		return fmt.Errorf("plugins.keyManager %q must be memory or disk", c.Plugins.KeyManager)
	}
	if c.Plugins.DataDir == "" {
		c.Plugins.DataDir = "/var/lib/meshguard"
	}
	if len(c.Plugins.WorkloadAttestors) == 0 {
		c.Plugins.WorkloadAttestors = []string{"unix"}
	}
	seen := make(map[string]bool, len(c.Plugins.WorkloadAttestors))
	for _, name := range c.Plugins.WorkloadAttestors {
		if !domain.Provider(name).Valid() {
			return fmt.Errorf("plugins.workloadAttestors: unknown attestor %q", name)
		}
		if seen[name] {
			// Duplicate strategy over one evidence type is fatal at startup.
			return fmt.Errorf("%w: attestor %q configured twice", domain.ErrAttestationAmbiguous, name)
		}
		seen[name] = true
	}
	return nil
}

// TrustDomainID returns the parsed trust domain. Validate must succeed first.
func (c *ServerConfig) TrustDomainID() (spiffeid.TrustDomain, error) {
	return spiffeid.TrustDomainFromString(c.TrustDomain)
}
