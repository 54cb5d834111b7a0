package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meshguard/meshguard/internal/domain"
)

func TestCredentialStateTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    domain.CredentialState
		to      domain.CredentialState
		allowed bool
	}{
		{"unissued to valid", domain.StateUnissued, domain.StateValid, true},
		{"valid to rotating", domain.StateValid, domain.StateRotating, true},
		{"valid to revoked", domain.StateValid, domain.StateRevoked, true},
		{"valid to expired", domain.StateValid, domain.StateExpired, true},
		{"rotating to valid", domain.StateRotating, domain.StateValid, true},
		{"rotating to revoked", domain.StateRotating, domain.StateRevoked, true},
		{"unissued to rotating", domain.StateUnissued, domain.StateRotating, false},
		{"valid to unissued", domain.StateValid, domain.StateUnissued, false},
		{"revoked is terminal", domain.StateRevoked, domain.StateValid, false},
		{"expired is terminal", domain.StateExpired, domain.StateValid, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := domain.Transition(tt.from, tt.to)
			if tt.allowed {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, got)
				return
			}
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			assert.Equal(t, tt.from, got, "failed transition must not change state")
		})
	}
}

func TestCredentialStateTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.StateRevoked.Terminal())
	assert.True(t, domain.StateExpired.Terminal())
	assert.False(t, domain.StateUnissued.Terminal())
	assert.False(t, domain.StateValid.Terminal())
	assert.False(t, domain.StateRotating.Terminal())
}

func TestClaimValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		claim   domain.Claim
		wantErr bool
	}{
		{"unix with process", domain.Claim{Provider: domain.ProviderUnix, Process: &domain.ProcessInfo{PID: 1, UID: 0, GID: 0}}, false},
		{"unix without process", domain.Claim{Provider: domain.ProviderUnix}, true},
		{"kubernetes with token", domain.Claim{Provider: domain.ProviderKubernetes, Token: "tok"}, false},
		{"kubernetes without token", domain.Claim{Provider: domain.ProviderKubernetes}, true},
		{"aws with document", domain.Claim{Provider: domain.ProviderAWS, InstanceDocument: []byte("{}")}, false},
		{"aws without document", domain.Claim{Provider: domain.ProviderAWS}, true},
		{"unknown provider", domain.Claim{Provider: "nomad"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.claim.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidClaim)
				return
			}
			assert.NoError(t, err)
		})
	}
}
