package domain

import (
	"fmt"
)

// Provider identifies an attestation evidence type. Each configured
// attestation strategy owns exactly one provider.
type Provider string

const (
	ProviderUnix       Provider = "unix"
	ProviderKubernetes Provider = "kubernetes"
	ProviderAWS        Provider = "aws"
	ProviderAzure      Provider = "azure"
	ProviderGCP        Provider = "gcp"
)

// Providers lists every supported attestation provider.
func Providers() []Provider {
	return []Provider{ProviderUnix, ProviderKubernetes, ProviderAWS, ProviderAzure, ProviderGCP}
}

// Valid reports whether p names a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderUnix, ProviderKubernetes, ProviderAWS, ProviderAzure, ProviderGCP:
		return true
	}
	return false
}

// ProcessInfo is kernel-verified evidence about a calling process, extracted
// from the Unix socket peer at connection accept time.
type ProcessInfo struct {
	PID  int
	UID  int
	GID  int
	Path string // executable path resolved from /proc
}

// Claim is opaque attestation evidence plus the claimed workload identity.
// A claim is created per attestation request, consumed immediately, and never
// persisted.
type Claim struct {
	// Provider selects the attestation strategy that may verify this claim.
	Provider Provider

	// WorkloadID is the identifier the workload claims for itself.
	WorkloadID string

	// Token carries bearer evidence for kubernetes, azure, and gcp providers.
	Token string

	// Process carries kernel-verified evidence for the unix provider.
	Process *ProcessInfo

	// InstanceDocument carries the EC2 instance identity document (JSON) for
	// the aws provider.
	InstanceDocument []byte
}

// Validate checks the claim carries the evidence its provider requires.
func (c Claim) Validate() error {
	if !c.Provider.Valid() {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidClaim, c.Provider)
	}
	switch c.Provider {
	case ProviderUnix:
		if c.Process == nil {
			return fmt.Errorf("%w: unix claim requires process evidence", ErrInvalidClaim)
		}
	case ProviderKubernetes, ProviderAzure, ProviderGCP:
		if c.Token == "" {
			return fmt.Errorf("%w: %s claim requires a token", ErrInvalidClaim, c.Provider)
		}
	case ProviderAWS:
		if len(c.InstanceDocument) == 0 {
			return fmt.Errorf("%w: aws claim requires an instance identity document", ErrInvalidClaim)
		}
	}
	return nil
}
