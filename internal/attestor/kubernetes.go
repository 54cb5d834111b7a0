package attestor

import (
	"context"
	"fmt"
	"strings"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	authv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/meshguard/meshguard/internal/datastore"
	"github.com/meshguard/meshguard/internal/domain"
)

const serviceAccountPrefix = "system:serviceaccount:"

// Kubernetes attests workloads by projected service account token, verified
// with the cluster's TokenReview API.
type Kubernetes struct {
	td        spiffeid.TrustDomain
	ds        datastore.DataStore
	client    kubernetes.Interface
	audiences []string
	// allowed holds "namespace:name" pairs; empty means any authenticated
	// service account.
	allowed map[string]struct{}
}

// NewKubernetes creates the kubernetes attestation strategy.
// allowedServiceAccounts entries use "namespace:name" form.
func NewKubernetes(td spiffeid.TrustDomain, ds datastore.DataStore, client kubernetes.Interface, audiences, allowedServiceAccounts []string) (*Kubernetes, error) {
	if td.IsZero() {
		return nil, fmt.Errorf("kubernetes attestor: trust domain is required")
	}
	if client == nil {
		return nil, fmt.Errorf("kubernetes attestor: cluster client is required")
	}

	var allowed map[string]struct{}
	if len(allowedServiceAccounts) > 0 {
		allowed = make(map[string]struct{}, len(allowedServiceAccounts))
		for _, sa := range allowedServiceAccounts {
			if strings.Count(sa, ":") != 1 {
				return nil, fmt.Errorf("kubernetes attestor: allowed service account %q is not namespace:name", sa)
			}
			allowed[sa] = struct{}{}
		}
	}

	return &Kubernetes{
		td:        td,
		ds:        ds,
		client:    client,
		audiences: audiences,
		allowed:   allowed,
	}, nil
}

func (k *Kubernetes) Provider() domain.Provider {
	return domain.ProviderKubernetes
}

func (k *Kubernetes) Attest(ctx context.Context, claim domain.Claim) (spiffeid.ID, error) {
	if claim.Token == "" {
		return spiffeid.ID{}, fmt.Errorf("%w: no service account token", domain.ErrAttestationDenied)
	}

	review := &authv1.TokenReview{
		Spec: authv1.TokenReviewSpec{
			Token:     claim.Token,
			Audiences: k.audiences,
		},
	}
	result, err := k.client.AuthenticationV1().TokenReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("token review failed: %w", err)
	}
	if !result.Status.Authenticated {
		reason := result.Status.Error
		if reason == "" {
			reason = "token not authenticated"
		}
		return spiffeid.ID{}, fmt.Errorf("%w: %s", domain.ErrAttestationDenied, reason)
	}

	namespace, name, err := parseServiceAccount(result.Status.User.Username)
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("%w: %v", domain.ErrAttestationDenied, err)
	}
	if k.allowed != nil {
		if _, ok := k.allowed[namespace+":"+name]; !ok {
			return spiffeid.ID{}, fmt.Errorf("%w: service account %s/%s is not allowed",
				domain.ErrAttestationDenied, namespace, name)
		}
	}
	if claim.WorkloadID != "" && claim.WorkloadID != name {
		return spiffeid.ID{}, fmt.Errorf("%w: token belongs to service account %q, not claimed %q",
			domain.ErrAttestationDenied, name, claim.WorkloadID)
	}

	return resolveID(ctx, k.ds, k.td, name, domain.ProviderKubernetes)
}

func parseServiceAccount(username string) (namespace, name string, err error) {
	if !strings.HasPrefix(username, serviceAccountPrefix) {
		return "", "", fmt.Errorf("token subject %q is not a service account", username)
	}
	rest := strings.TrimPrefix(username, serviceAccountPrefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed service account username %q", username)
	}
	return parts[0], parts[1], nil
}

var _ Attestor = (*Kubernetes)(nil)
