package domain

import (
	"errors"
)

// Sentinel errors for the identity core.
// Use with errors.Is() for checking and fmt.Errorf("%w", ...) for wrapping with context.

var (
	// ErrAttestationDenied indicates no attestation strategy verified the claim.
	ErrAttestationDenied = errors.New("attestation denied")

	// ErrAttestationAmbiguous indicates two strategies claim the same evidence
	// type. This is a configuration error, surfaced at startup, never per request.
	ErrAttestationAmbiguous = errors.New("ambiguous attestation configuration")

	// ErrInvalidIdentity indicates a SPIFFE ID failed trust-domain validation.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrCAUnavailable indicates the CA signing key is not loaded.
	ErrCAUnavailable = errors.New("certificate authority unavailable")

	// ErrHandshakeRejected indicates mTLS peer validation failed. Partial trust
	// is never granted; any validation error terminates the handshake.
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrAuditDelivery indicates an audit event could not be delivered.
	// Non-fatal: audit is observational, never transactional with issuance.
	ErrAuditDelivery = errors.New("audit delivery failed")
)

var (
	// ErrInvalidClaim indicates an attestation claim is structurally invalid
	// (unknown provider, missing evidence for its provider).
	ErrInvalidClaim = errors.New("attestation claim is invalid")

	// ErrInvalidTransition indicates a disallowed credential state transition.
	ErrInvalidTransition = errors.New("invalid credential state transition")

	// ErrSVIDInvalid indicates an SVID is nil or structurally invalid.
	ErrSVIDInvalid = errors.New("svid is invalid")
)
