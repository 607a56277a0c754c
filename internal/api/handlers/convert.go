package handlers

import (
	"time"

	"gnt-shepherd.io/shepherd/internal/domain"
)

// VM is the API representation of a virtual machine.
type VM struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name"`
	Owner           string            `json:"owner"`
	Project         string            `json:"project"`
	SharedToProject bool              `json:"shared_to_project"`
	FlavorID        int64             `json:"flavor_id"`
	BackendID       int64             `json:"backend_id"`
	OperState       domain.OperState  `json:"operstate"`
	Action          domain.Action     `json:"action,omitempty"`
	Task            domain.Task       `json:"task,omitempty"`
	BackendJobID    int64             `json:"backend_job_id,omitempty"`
	BackendOpcode   domain.Opcode     `json:"backend_opcode,omitempty"`
	BackendStatus   domain.JobStatus  `json:"backend_job_status,omitempty"`
	BackendLogMsg   string            `json:"backend_logmsg,omitempty"`
	Serial          int64             `json:"serial,omitempty"`
	PendingNIC      *domain.NICChange `json:"pending_nic,omitempty"`
	Suspended       bool              `json:"suspended"`
	Deleted         bool              `json:"deleted"`
	Rescue          bool              `json:"rescue"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func toAPIVM(vm *domain.VirtualMachine) VM {
	return VM{
		ID:              vm.ID,
		Name:            vm.Name,
		Owner:           vm.Owner,
		Project:         vm.Project,
		SharedToProject: vm.SharedToProject,
		FlavorID:        vm.FlavorID,
		BackendID:       vm.BackendID,
		OperState:       vm.OperState,
		Action:          vm.Action,
		Task:            vm.Task,
		BackendJobID:    vm.BackendJobID,
		BackendOpcode:   vm.BackendOpcode,
		BackendStatus:   vm.BackendJobStatus,
		BackendLogMsg:   vm.BackendLogMsg,
		Serial:          vm.Serial,
		PendingNIC:      vm.PendingNIC,
		Suspended:       vm.Suspended,
		Deleted:         vm.Deleted,
		Rescue:          vm.Rescue,
		CreatedAt:       vm.CreatedAt,
		UpdatedAt:       vm.UpdatedAt,
	}
}
