package quota

import (
	"context"
	"fmt"
	"sync"

	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

// Holding is the accounting of one resource for one holder.
type Holding struct {
	// Limit is nil for an unlimited resource.
	Limit         *int64
	Usage         int64
	PendingAdd    int64
	PendingRemove int64
}

type memCommission struct {
	name       string
	provisions []Provision
	state      string
}

// MemHolder is an in-memory quota authority.
type MemHolder struct {
	mu          sync.Mutex
	defaults    map[string]int64
	holdings    map[string]map[string]*Holding
	commissions map[int64]*memCommission
	nextSerial  int64

	// Unavailable makes every call fail as if the authority were unreachable.
	Unavailable bool
}

var _ Holder = (*MemHolder)(nil)

// NewMemHolder creates a holder. defaults limits resources of holders
// without an explicit limit.
func NewMemHolder(defaults map[string]int64) *MemHolder {
	return &MemHolder{
		defaults:    defaults,
		holdings:    make(map[string]map[string]*Holding),
		commissions: make(map[int64]*memCommission),
	}
}

// SetLimit sets an explicit limit for holder/resource.
func (h *MemHolder) SetLimit(holder, resource string, limit int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.holding(holder, resource).Limit = &limit
}

// Holding returns a copy of the accounting for holder/resource.
func (h *MemHolder) Holding(holder, resource string) Holding {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.holding(holder, resource)
}

// State returns the state of a commission, "" when unknown.
func (h *MemHolder) State(serial int64) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.commissions[serial]; ok {
		return c.state
	}
	return ""
}

func (h *MemHolder) holding(holder, resource string) *Holding {
	byResource, ok := h.holdings[holder]
	if !ok {
		byResource = make(map[string]*Holding)
		h.holdings[holder] = byResource
	}
	hd, ok := byResource[resource]
	if !ok {
		hd = &Holding{}
		if limit, ok := h.defaults[resource]; ok {
			l := limit
			hd.Limit = &l
		}
		byResource[resource] = hd
	}
	return hd
}

// IssueCommission implements Holder.
func (h *MemHolder) IssueCommission(ctx context.Context, name string, provisions []Provision) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Unavailable {
		return 0, apperrors.ServiceUnavailable(apperrors.CodeServiceUnavailable, "quota holder unavailable")
	}

	for _, p := range provisions {
		if err := checkLimit(h.holding(p.Holder, p.Resource), p); err != nil {
			return 0, err
		}
	}
	for _, p := range provisions {
		hd := h.holding(p.Holder, p.Resource)
		if p.Quantity > 0 {
			hd.PendingAdd += p.Quantity
		} else {
			hd.PendingRemove += -p.Quantity
		}
	}

	h.nextSerial++
	h.commissions[h.nextSerial] = &memCommission{
		name:       name,
		provisions: append([]Provision(nil), provisions...),
		state:      statePending,
	}
	return h.nextSerial, nil
}

// ResolveCommissions implements Holder.
func (h *MemHolder) ResolveCommissions(ctx context.Context, accept, reject []int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Unavailable {
		return apperrors.ServiceUnavailable(apperrors.CodeServiceUnavailable, "quota holder unavailable")
	}

	for _, serial := range accept {
		if err := h.resolve(serial, true); err != nil {
			return err
		}
	}
	for _, serial := range reject {
		if err := h.resolve(serial, false); err != nil {
			return err
		}
	}
	return nil
}

func (h *MemHolder) resolve(serial int64, accept bool) error {
	c, ok := h.commissions[serial]
	if !ok {
		return apperrors.ResolveError(serial, fmt.Sprintf("unknown commission %d", serial))
	}
	target := outcomeState(accept)
	if c.state == target {
		return nil
	}
	if c.state != statePending {
		return apperrors.ResolveError(serial, fmt.Sprintf("commission %d already %s", serial, c.state))
	}

	for _, p := range c.provisions {
		hd := h.holding(p.Holder, p.Resource)
		if p.Quantity > 0 {
			hd.PendingAdd -= p.Quantity
		} else {
			hd.PendingRemove -= -p.Quantity
		}
		if accept {
			hd.Usage += p.Quantity
		}
	}
	c.state = target
	return nil
}

func checkLimit(hd *Holding, p Provision) error {
	if p.Quantity <= 0 || hd.Limit == nil {
		return nil
	}
	if hd.Usage+hd.PendingAdd+p.Quantity > *hd.Limit {
		return quotaExceeded(p, *hd.Limit, hd.Usage+hd.PendingAdd)
	}
	return nil
}

func quotaExceeded(p Provision, limit, used int64) error {
	return apperrors.Conflict(apperrors.CodeQuotaExceeded,
		fmt.Sprintf("quota exceeded for %s on %s", p.Resource, p.Holder)).
		WithParams(map[string]interface{}{
			"holder":    p.Holder,
			"resource":  p.Resource,
			"requested": p.Quantity,
			"limit":     limit,
			"used":      used,
		})
}
