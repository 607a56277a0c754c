// Package quota implements the optimistic commissioning protocol.
//
// A commission reserves resource deltas with the quota authority (a Holder)
// before the backend is asked to act. The reservation is resolved later:
// accepted when the backend job succeeds, rejected when it fails. The
// decision is persisted as a serial row on the VM before the authority is
// told, so a resolution that could not reach the authority is retried on
// the next commission for the same VM.
package quota

import (
	"context"

	"gnt-shepherd.io/shepherd/internal/domain"
)

// Provision is one holder/resource/quantity line of a commission.
type Provision struct {
	Holder   string `json:"holder"`
	Resource string `json:"resource"`
	Quantity int64  `json:"quantity"`
}

// Holder is the quota authority.
type Holder interface {
	// IssueCommission reserves all provisions atomically and returns the serial.
	IssueCommission(ctx context.Context, name string, provisions []Provision) (int64, error)
	// ResolveCommissions accepts and rejects serials. Resolving a serial again
	// with the same outcome is a no-op.
	ResolveCommissions(ctx context.Context, accept, reject []int64) error
}

// ProvisionsFor expands a delta on one holder into provisions, sorted by resource.
func ProvisionsFor(holder string, delta domain.ResourceDelta) []Provision {
	out := make([]Provision, 0, len(delta))
	for _, resource := range sortedResources(delta) {
		if q := delta[resource]; q != 0 {
			out = append(out, Provision{Holder: holder, Resource: resource, Quantity: q})
		}
	}
	return out
}

// Commission states, shared by the holders.
const (
	statePending  = "pending"
	stateAccepted = "accepted"
	stateRejected = "rejected"
)

func outcomeState(accept bool) string {
	if accept {
		return stateAccepted
	}
	return stateRejected
}
