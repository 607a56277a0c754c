// Package domain provides the domain model for gnt-shepherd.
//
// Nullable integer columns (backend job id, commission serial, pending
// flavor, rescue image) use zero as "unset"; Ganeti job ids and quota
// serials both start at 1. Nullable string columns use the empty string.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// OperState is the control plane's belief about a VM's run state.
type OperState string

const (
	OperStateBuild     OperState = "BUILD"
	OperStateError     OperState = "ERROR"
	OperStateStopped   OperState = "STOPPED"
	OperStateStarted   OperState = "STARTED"
	OperStateDestroyed OperState = "DESTROYED"
)

// Valid reports whether s is a known operstate.
func (s OperState) Valid() bool {
	switch s {
	case OperStateBuild, OperStateError, OperStateStopped, OperStateStarted, OperStateDestroyed:
		return true
	}
	return false
}

// Action is the last action requested on a VM.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionStart   Action = "START"
	ActionStop    Action = "STOP"
	ActionSuspend Action = "SUSPEND"
	ActionReboot  Action = "REBOOT"
	ActionDestroy Action = "DESTROY"
)

// Task is the pending action guarded by the task/job invariant.
type Task string

const (
	TaskNone       Task = ""
	TaskCreate     Task = "CREATE"
	TaskStart      Task = "START"
	TaskStop       Task = "STOP"
	TaskReboot     Task = "REBOOT"
	TaskDestroy    Task = "DESTROY"
	TaskResize     Task = "RESIZE"
	TaskConnect    Task = "CONNECT"
	TaskDisconnect Task = "DISCONNECT"
	TaskRescue     Task = "RESCUE"
	TaskUnrescue   Task = "UNRESCUE"
)

// NICOp is the kind of a pending NIC change.
type NICOp string

const (
	NICAdd    NICOp = "add"
	NICRemove NICOp = "remove"
)

// NICChange records a NIC attach/detach submitted to the backend and applied on reconcile.
type NICChange struct {
	Op        NICOp  `json:"op"`
	NetworkID int64  `json:"network_id"`
	PortID    int64  `json:"port_id"`
	Address   string `json:"address,omitempty"`
	Index     int    `json:"index"`
}

// VirtualMachine is the authoritative per-VM record.
type VirtualMachine struct {
	ID              int64
	Name            string
	Owner           string
	Project         string
	SharedToProject bool
	FlavorID        int64
	ImageRef        string
	BackendID       int64

	Deleted   bool
	Suspended bool

	Action    Action
	Task      Task
	OperState OperState

	BackendJobID     int64
	BackendOpcode    Opcode
	BackendJobStatus JobStatus
	BackendLogMsg    string

	Serial          int64
	PendingFlavorID int64
	PendingNIC      *NICChange

	// HoldsResources and HoldsActive record what accepted commissions
	// charge the project for: the VM with its totals and disk, and the
	// cpu/ram of a running VM.
	HoldsResources bool
	HoldsActive    bool

	Rescue         bool
	RescueImageID  int64
	RescueOSFamily string
	RescueOS       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewVirtualMachine returns a VM in its initial state, before the first save.
func NewVirtualMachine(name, owner, project string, flavorID, backendID int64, imageRef string) *VirtualMachine {
	return &VirtualMachine{
		Name:      name,
		Owner:     owner,
		Project:   project,
		FlavorID:  flavorID,
		BackendID: backendID,
		ImageRef:  imageRef,
		OperState: OperStateBuild,
	}
}

// HasPendingTask reports whether an action is still waiting for its backend job.
func (vm *VirtualMachine) HasPendingTask() bool {
	return vm.Task != TaskNone
}

// SetTask records a submitted backend job. task and jobID are set together.
func (vm *VirtualMachine) SetTask(task Task, opcode Opcode, jobID int64) {
	vm.Task = task
	vm.BackendJobID = jobID
	vm.BackendOpcode = opcode
	vm.BackendJobStatus = JobStatusQueued
	vm.BackendLogMsg = ""
}

// ClearTask drops the pending task and its backend job reference.
func (vm *VirtualMachine) ClearTask() {
	vm.Task = TaskNone
	vm.BackendJobID = 0
	vm.BackendOpcode = ""
	vm.BackendJobStatus = ""
}

// InstanceName returns the backend instance name for this VM.
func (vm *VirtualMachine) InstanceName(prefix string) string {
	return prefix + strconv.FormatInt(vm.ID, 10)
}

// ParseInstanceName extracts the VM id from a backend instance name.
func ParseInstanceName(prefix, name string) (int64, bool) {
	if prefix == "" || !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
