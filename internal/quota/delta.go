package quota

import (
	"sort"

	"gnt-shepherd.io/shepherd/internal/domain"
)

const (
	mib = int64(1) << 20
	gib = int64(1) << 30
)

func ramBytes(f *domain.Flavor) int64  { return int64(f.RAMMB) * mib }
func diskBytes(f *domain.Flavor) int64 { return int64(f.DiskGB) * gib }

// Commission names. Accepting one of the lifecycle commissions changes
// what the VM holds.
const (
	CommissionBuild    = "BUILD"
	CommissionStart    = "START"
	CommissionStop     = "STOP"
	CommissionDestroy  = "DESTROY"
	CommissionResize   = "RESIZE"
	CommissionReassign = "REASSIGN"
	CommissionReset    = "RESET"
)

// applyHolding records on vm what an accepted commission charged or released.
func applyHolding(vm *domain.VirtualMachine, name string) {
	switch name {
	case CommissionBuild:
		vm.HoldsResources, vm.HoldsActive = true, true
	case CommissionStart:
		vm.HoldsActive = true
	case CommissionStop:
		vm.HoldsActive = false
	case CommissionDestroy:
		vm.HoldsResources, vm.HoldsActive = false, false
	}
}

// CreateDelta reserves a new VM that starts running once built.
func CreateDelta(f *domain.Flavor) domain.ResourceDelta {
	return domain.ResourceDelta{
		domain.ResourceVM:       1,
		domain.ResourceTotalCPU: int64(f.CPU),
		domain.ResourceTotalRAM: ramBytes(f),
		domain.ResourceDisk:     diskBytes(f),
		domain.ResourceCPU:      int64(f.CPU),
		domain.ResourceRAM:      ramBytes(f),
	}
}

// StartDelta reserves the active resources of a VM.
func StartDelta(f *domain.Flavor) domain.ResourceDelta {
	return domain.ResourceDelta{
		domain.ResourceCPU: int64(f.CPU),
		domain.ResourceRAM: ramBytes(f),
	}
}

// StopDelta releases the active resources of a VM.
func StopDelta(f *domain.Flavor) domain.ResourceDelta {
	return StartDelta(f).Negate()
}

// HeldDelta is what a VM counts against its project: the VM, its totals
// and disk when resources is set, plus cpu/ram when active is set.
func HeldDelta(f *domain.Flavor, resources, active bool) domain.ResourceDelta {
	d := domain.ResourceDelta{}
	if resources {
		d[domain.ResourceVM] = 1
		d[domain.ResourceTotalCPU] = int64(f.CPU)
		d[domain.ResourceTotalRAM] = ramBytes(f)
		d[domain.ResourceDisk] = diskBytes(f)
	}
	if active {
		d[domain.ResourceCPU] = int64(f.CPU)
		d[domain.ResourceRAM] = ramBytes(f)
	}
	return d
}

// DestroyDelta releases everything vm holds.
func DestroyDelta(f *domain.Flavor, vm *domain.VirtualMachine) domain.ResourceDelta {
	return HeldDelta(f, vm.HoldsResources, vm.HoldsActive).Negate()
}

// HoldingDelta moves vm from what it holds to the given holdings.
func HoldingDelta(f *domain.Flavor, vm *domain.VirtualMachine, resources, active bool) domain.ResourceDelta {
	d := HeldDelta(f, resources, active)
	for res, q := range HeldDelta(f, vm.HoldsResources, vm.HoldsActive) {
		d[res] -= q
		if d[res] == 0 {
			delete(d, res)
		}
	}
	return d
}

// ResizeDelta changes the total cpu and ram of a stopped VM.
func ResizeDelta(from, to *domain.Flavor) domain.ResourceDelta {
	return domain.ResourceDelta{
		domain.ResourceTotalCPU: int64(to.CPU - from.CPU),
		domain.ResourceTotalRAM: ramBytes(to) - ramBytes(from),
	}
}

// ReassignProvisions moves what vm holds from one project to another.
func ReassignProvisions(f *domain.Flavor, vm *domain.VirtualMachine, from, to string) []Provision {
	held := HeldDelta(f, vm.HoldsResources, vm.HoldsActive)
	out := ProvisionsFor(from, held.Negate())
	return append(out, ProvisionsFor(to, held)...)
}

func sortedResources(d domain.ResourceDelta) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
