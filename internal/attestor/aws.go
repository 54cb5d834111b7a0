package attestor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/meshguard/meshguard/internal/datastore"
	"github.com/meshguard/meshguard/internal/domain"
)

// InstanceDocumentAPI is the slice of the IMDS client used for attestation.
// *imds.Client satisfies it.
type InstanceDocumentAPI interface {
	GetInstanceIdentityDocument(ctx context.Context, params *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
}

// AWS attests workloads by EC2 instance identity. The claim carries the
// instance identity document the workload observed; it is cross-checked
// against the document served by the local metadata service, so a workload
// can only claim the instance it actually runs on.
type AWS struct {
	td      spiffeid.TrustDomain
	ds      datastore.DataStore
	client  InstanceDocumentAPI
	allowed map[string]struct{} // account ids; empty means any
}

// NewAWS creates the aws attestation strategy.
func NewAWS(td spiffeid.TrustDomain, ds datastore.DataStore, client InstanceDocumentAPI, allowedAccounts []string) (*AWS, error) {
	if td.IsZero() {
		return nil, fmt.Errorf("aws attestor: trust domain is required")
	}
	if client == nil {
		return nil, fmt.Errorf("aws attestor: instance metadata client is required")
	}

	var allowed map[string]struct{}
	if len(allowedAccounts) > 0 {
		allowed = make(map[string]struct{}, len(allowedAccounts))
		for _, a := range allowedAccounts {
			allowed[a] = struct{}{}
		}
	}

	return &AWS{td: td, ds: ds, client: client, allowed: allowed}, nil
}

func (a *AWS) Provider() domain.Provider {
	return domain.ProviderAWS
}

func (a *AWS) Attest(ctx context.Context, claim domain.Claim) (spiffeid.ID, error) {
	if len(claim.InstanceDocument) == 0 {
		return spiffeid.ID{}, fmt.Errorf("%w: no instance identity document", domain.ErrAttestationDenied)
	}

	var claimed imds.InstanceIdentityDocument
	if err := json.Unmarshal(claim.InstanceDocument, &claimed); err != nil {
		return spiffeid.ID{}, fmt.Errorf("%w: malformed instance identity document: %v", domain.ErrAttestationDenied, err)
	}
	if claimed.InstanceID == "" || claimed.AccountID == "" {
		return spiffeid.ID{}, fmt.Errorf("%w: instance identity document lacks instance or account id", domain.ErrAttestationDenied)
	}

	live, err := a.client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("instance metadata lookup failed: %w", err)
	}
	doc := live.InstanceIdentityDocument
	if claimed.InstanceID != doc.InstanceID || claimed.AccountID != doc.AccountID || claimed.Region != doc.Region {
		return spiffeid.ID{}, fmt.Errorf("%w: claimed instance %s/%s does not match metadata service",
			domain.ErrAttestationDenied, claimed.AccountID, claimed.InstanceID)
	}

	if a.allowed != nil {
		if _, ok := a.allowed[doc.AccountID]; !ok {
			return spiffeid.ID{}, fmt.Errorf("%w: account %s is not allowed", domain.ErrAttestationDenied, doc.AccountID)
		}
	}

	return resolveID(ctx, a.ds, a.td, claim.WorkloadID, domain.ProviderAWS)
}

var _ Attestor = (*AWS)(nil)
