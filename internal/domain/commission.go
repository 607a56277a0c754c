package domain

import "time"

// Quota resource names.
const (
	ResourceVM       = "cyclades.vm"
	ResourceTotalCPU = "cyclades.total_cpu"
	ResourceCPU      = "cyclades.cpu"
	ResourceTotalRAM = "cyclades.total_ram"
	ResourceRAM      = "cyclades.ram"
	ResourceDisk     = "cyclades.disk"
)

// ResourceDelta maps a quota resource to a signed change.
type ResourceDelta map[string]int64

// Negate returns the inverse delta.
func (d ResourceDelta) Negate() ResourceDelta {
	out := make(ResourceDelta, len(d))
	for k, v := range d {
		out[k] = -v
	}
	return out
}

// IsZero reports whether the delta changes nothing.
func (d ResourceDelta) IsZero() bool {
	for _, v := range d {
		if v != 0 {
			return false
		}
	}
	return true
}

// CommissionSerial is the persisted intent of one commission.
// Once Resolved is true the record does not change again.
type CommissionSerial struct {
	Serial     int64
	VMID       int64
	Name       string
	Pending    bool
	Resolved   bool
	Accept     bool
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
