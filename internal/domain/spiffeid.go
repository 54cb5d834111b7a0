package domain

import (
	"fmt"
	"strings"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// ParseID parses a SPIFFE ID string and applies the issuance path rules on
// top of the SDK's syntax validation: every path segment must be non-empty
// and must not be a dot segment.
func ParseID(raw string) (spiffeid.ID, error) {
	id, err := spiffeid.FromString(raw)
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if err := validatePath(id.Path()); err != nil {
		return spiffeid.ID{}, err
	}
	return id, nil
}

// IDFromPath builds a SPIFFE ID under the given trust domain. The path must
// begin with "/" and satisfy the segment rules enforced by ParseID.
func IDFromPath(td spiffeid.TrustDomain, path string) (spiffeid.ID, error) {
	if td.IsZero() {
		return spiffeid.ID{}, fmt.Errorf("%w: trust domain is empty", ErrInvalidIdentity)
	}
	if err := validatePath(path); err != nil {
		return spiffeid.ID{}, err
	}
	id, err := spiffeid.FromPath(td, path)
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return id, nil
}

// ValidateMember checks that id belongs to the issuing trust domain.
// Issuance and verification both require trust-domain parity.
func ValidateMember(id spiffeid.ID, td spiffeid.TrustDomain) error {
	if id.IsZero() {
		return fmt.Errorf("%w: id is empty", ErrInvalidIdentity)
	}
	if !id.MemberOf(td) {
		return fmt.Errorf("%w: %s is not a member of trust domain %s", ErrInvalidIdentity, id, td)
	}
	return nil
}

// validatePath rejects empty and dot path segments. The go-spiffe SDK already
// rejects these forms, but the issuance invariant is enforced here so it does
// not depend on SDK version behavior.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: path is empty", ErrInvalidIdentity)
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: path %q must begin with /", ErrInvalidIdentity, path)
	}
	for _, seg := range strings.Split(path[1:], "/") {
		switch seg {
		case "":
			return fmt.Errorf("%w: path %q contains an empty segment", ErrInvalidIdentity, path)
		case ".", "..":
			return fmt.Errorf("%w: path %q contains a dot segment", ErrInvalidIdentity, path)
		}
	}
	return nil
}
