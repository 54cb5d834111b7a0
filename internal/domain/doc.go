// Package domain holds the core value objects of the workload identity
// system: SPIFFE identities, attestation claims, SVIDs and their lifecycle
// states, and the sentinel error taxonomy shared by all components.
//
// Types in this package are immutable value objects. Anything that needs
// I/O or platform access lives in the surrounding packages; the domain only
// models the concepts.
package domain
