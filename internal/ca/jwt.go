package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/meshguard/meshguard/internal/domain"
)

// IssueJWT issues a JWT-SVID for id scoped to the given audience. The
// effective lifetime is min(jwt.ttl, maxSVIDTTL).
func (ca *CA) IssueJWT(_ context.Context, id spiffeid.ID, audience string) (*domain.JWTSVID, error) {
	if err := domain.ValidateMember(id, ca.td); err != nil {
		return nil, err
	}
	if audience == "" {
		return nil, fmt.Errorf("%w: audience is required", domain.ErrInvalidIdentity)
	}

	ca.mu.RLock()
	active := ca.active
	ca.mu.RUnlock()
	if active == nil {
		return nil, fmt.Errorf("%w: no signing key loaded", domain.ErrCAUnavailable)
	}

	ttl := ca.jwtTTL
	if ttl > ca.maxTTL {
		ttl = ca.maxTTL
	}
	now := ca.now()
	expiresAt := now.Add(ttl)

	jti, err := newTokenID()
	if err != nil {
		return nil, fmt.Errorf("ca: failed to generate token id: %w", err)
	}
	claims := jwt.RegisteredClaims{
		Issuer:    ca.jwtIssuer,
		Subject:   id.String(),
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        jti,
	}

	method, key, err := signingMethodFor(active.signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCAUnavailable, err)
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = active.id
	signed, err := token.SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("ca: jwt signing failed: %w", err)
	}

	return domain.NewJWTSVID(id, signed, []string{audience}, now, expiresAt)
}

// ValidateJWT verifies a JWT-SVID's signature against the active or any
// still-overlapping signing key, checks issuer, audience, and expiry, and
// returns the subject SPIFFE ID.
func (ca *CA) ValidateJWT(_ context.Context, token, audience string) (spiffeid.ID, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, ca.publicKeyFor,
		jwt.WithValidMethods([]string{"ES256", "RS256"}),
		jwt.WithIssuer(ca.jwtIssuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ca.now),
	)
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("%w: %v", domain.ErrSVIDInvalid, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return spiffeid.ID{}, fmt.Errorf("%w: missing subject claim", domain.ErrSVIDInvalid)
	}
	id, err := domain.ParseID(claims.Subject)
	if err != nil {
		return spiffeid.ID{}, err
	}
	if err := domain.ValidateMember(id, ca.td); err != nil {
		return spiffeid.ID{}, err
	}
	return id, nil
}

func (ca *CA) publicKeyFor(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token has no key id")
	}

	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.active != nil && ca.active.id == kid {
		return ca.active.signer.Public(), nil
	}
	for _, r := range ca.retired {
		if r.key.id == kid {
			if ca.now().After(r.retireAt) {
				break
			}
			return r.key.signer.Public(), nil
		}
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

func newTokenID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

func signingMethodFor(signer crypto.Signer) (jwt.SigningMethod, any, error) {
	switch k := signer.(type) {
	case *ecdsa.PrivateKey:
		return jwt.SigningMethodES256, k, nil
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS256, k, nil
	default:
		return nil, nil, fmt.Errorf("unsupported signing key type %T", signer)
	}
}
