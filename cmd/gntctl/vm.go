package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gnt-shepherd.io/shepherd/internal/backend"
	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/store"
	"gnt-shepherd.io/shepherd/internal/usecase"
)

type vmView struct {
	ID              int64             `json:"id" yaml:"id"`
	Name            string            `json:"name" yaml:"name"`
	Owner           string            `json:"owner" yaml:"owner"`
	Project         string            `json:"project" yaml:"project"`
	SharedToProject bool              `json:"shared_to_project" yaml:"shared_to_project"`
	FlavorID        int64             `json:"flavor_id" yaml:"flavor_id"`
	BackendID       int64             `json:"backend_id" yaml:"backend_id"`
	OperState       domain.OperState  `json:"operstate" yaml:"operstate"`
	Action          domain.Action     `json:"action,omitempty" yaml:"action,omitempty"`
	Task            domain.Task       `json:"task,omitempty" yaml:"task,omitempty"`
	BackendJobID    int64             `json:"backend_job_id,omitempty" yaml:"backend_job_id,omitempty"`
	BackendOpcode   domain.Opcode     `json:"backend_opcode,omitempty" yaml:"backend_opcode,omitempty"`
	BackendStatus   domain.JobStatus  `json:"backend_job_status,omitempty" yaml:"backend_job_status,omitempty"`
	BackendLogMsg   string            `json:"backend_logmsg,omitempty" yaml:"backend_logmsg,omitempty"`
	Serial          int64             `json:"serial,omitempty" yaml:"serial,omitempty"`
	HoldsResources  bool              `json:"holds_resources" yaml:"holds_resources"`
	HoldsActive     bool              `json:"holds_active" yaml:"holds_active"`
	PendingFlavorID int64             `json:"pending_flavor_id,omitempty" yaml:"pending_flavor_id,omitempty"`
	PendingNIC      *domain.NICChange `json:"pending_nic,omitempty" yaml:"pending_nic,omitempty"`
	Suspended       bool              `json:"suspended" yaml:"suspended"`
	Deleted         bool              `json:"deleted" yaml:"deleted"`
	Rescue          bool              `json:"rescue" yaml:"rescue"`
	UpdatedAt       time.Time         `json:"updated_at" yaml:"updated_at"`
}

func newVMView(vm *domain.VirtualMachine) vmView {
	return vmView{
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
		HoldsResources:  vm.HoldsResources,
		HoldsActive:     vm.HoldsActive,
		PendingFlavorID: vm.PendingFlavorID,
		PendingNIC:      vm.PendingNIC,
		Suspended:       vm.Suspended,
		Deleted:         vm.Deleted,
		Rescue:          vm.Rescue,
		UpdatedAt:       vm.UpdatedAt,
	}
}

// vmAction runs one VM service call.
type vmAction func(ctx context.Context, svc *usecase.VMService, vmID int64) (*domain.VirtualMachine, error)

func newVMCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Inspect and operate virtual machines",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show VM_ID",
		Short: "Show a VM record",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := parseID("vm", args[0])
			if err != nil {
				return err
			}
			e, err := openEnv(c.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			var vm *domain.VirtualMachine
			err = e.store.WithinTx(c.Context(), func(ctx context.Context, tx store.Tx) error {
				vm, err = tx.GetVM(ctx, id)
				return err
			})
			if err != nil {
				return err
			}
			return render(c.OutOrStdout(), opts.output, newVMView(vm))
		},
	})

	cmd.AddCommand(
		simpleVMCommand(opts, "start", "Start a stopped VM", (*usecase.VMService).Start),
		simpleVMCommand(opts, "stop", "Stop a started VM", (*usecase.VMService).Stop),
		simpleVMCommand(opts, "destroy", "Destroy a VM", (*usecase.VMService).Destroy),
		simpleVMCommand(opts, "rescue", "Boot a VM from its rescue image", (*usecase.VMService).Rescue),
		simpleVMCommand(opts, "unrescue", "Leave rescue mode", (*usecase.VMService).Unrescue),
		suspendCommand(opts, "suspend", true),
		suspendCommand(opts, "unsuspend", false),
		newCreateCommand(opts),
		newRebootCommand(opts),
		newResizeCommand(opts),
		newConnectCommand(opts),
		newDisconnectCommand(opts),
		newReassignCommand(opts),
		newResetErrorCommand(opts),
	)
	return cmd
}

func simpleVMCommand(opts *globalOptions, name, short string,
	fn func(*usecase.VMService, context.Context, int64) (*domain.VirtualMachine, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   name + " VM_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runVMAction(c, opts, args[0], func(ctx context.Context, svc *usecase.VMService, id int64) (*domain.VirtualMachine, error) {
				return fn(svc, ctx, id)
			})
		},
	}
}

func suspendCommand(opts *globalOptions, name string, suspended bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " VM_ID",
		Short: "Set the administrative suspension flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runVMAction(c, opts, args[0], func(ctx context.Context, svc *usecase.VMService, id int64) (*domain.VirtualMachine, error) {
				return svc.SetSuspended(ctx, id, suspended)
			})
		},
	}
}

func newCreateCommand(opts *globalOptions) *cobra.Command {
	var in usecase.CreateVMInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a VM",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withService(c, opts, func(ctx context.Context, svc *usecase.VMService) (*domain.VirtualMachine, error) {
				return svc.Create(ctx, in)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "VM name")
	cmd.Flags().StringVar(&in.Owner, "owner", "", "owning user")
	cmd.Flags().StringVar(&in.Project, "project", "", "project the quota is charged to")
	cmd.Flags().Int64Var(&in.FlavorID, "flavor", 0, "flavor id")
	cmd.Flags().StringVar(&in.ImageRef, "image", "", "image reference")
	for _, f := range []string{"name", "owner", "project", "flavor", "image"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newRebootCommand(opts *globalOptions) *cobra.Command {
	var rebootType string
	cmd := &cobra.Command{
		Use:   "reboot VM_ID",
		Short: "Reboot a started VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			t, err := parseRebootType(rebootType)
			if err != nil {
				return err
			}
			return runVMAction(c, opts, args[0], func(ctx context.Context, svc *usecase.VMService, id int64) (*domain.VirtualMachine, error) {
				return svc.Reboot(ctx, id, t)
			})
		},
	}
	cmd.Flags().StringVar(&rebootType, "type", string(backend.RebootSoft), "SOFT or HARD")
	return cmd
}

func newResizeCommand(opts *globalOptions) *cobra.Command {
	var flavorID int64
	cmd := &cobra.Command{
		Use:   "resize VM_ID",
		Short: "Resize a stopped VM to another flavor",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runVMAction(c, opts, args[0], func(ctx context.Context, svc *usecase.VMService, id int64) (*domain.VirtualMachine, error) {
				return svc.Resize(ctx, id, flavorID)
			})
		},
	}
	cmd.Flags().Int64Var(&flavorID, "flavor", 0, "target flavor id")
	_ = cmd.MarkFlagRequired("flavor")
	return cmd
}

func newConnectCommand(opts *globalOptions) *cobra.Command {
	var networkID int64
	cmd := &cobra.Command{
		Use:   "connect VM_ID PORT_ID",
		Short: "Attach a port to a VM",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			portID, err := parseID("port", args[1])
			if err != nil {
				return err
			}
			return runVMAction(c, opts, args[0], func(ctx context.Context, svc *usecase.VMService, id int64) (*domain.VirtualMachine, error) {
				return svc.ConnectPort(ctx, id, networkID, portID)
			})
		},
	}
	cmd.Flags().Int64Var(&networkID, "network", 0, "network id of the port")
	_ = cmd.MarkFlagRequired("network")
	return cmd
}

func newDisconnectCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect VM_ID PORT_ID",
		Short: "Detach a port from a VM",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			portID, err := parseID("port", args[1])
			if err != nil {
				return err
			}
			return runVMAction(c, opts, args[0], func(ctx context.Context, svc *usecase.VMService, id int64) (*domain.VirtualMachine, error) {
				return svc.DisconnectPort(ctx, id, portID)
			})
		},
	}
}

func newReassignCommand(opts *globalOptions) *cobra.Command {
	var (
		project string
		shared  bool
	)
	cmd := &cobra.Command{
		Use:   "reassign VM_ID",
		Short: "Move a VM and its quota to another project",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runVMAction(c, opts, args[0], func(ctx context.Context, svc *usecase.VMService, id int64) (*domain.VirtualMachine, error) {
				return svc.Reassign(ctx, id, project, shared)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "target project")
	cmd.Flags().BoolVar(&shared, "shared", false, "share the VM with the target project")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newResetErrorCommand(opts *globalOptions) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "reset-error VM_ID",
		Short: "Move a VM out of ERROR",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			state := domain.OperState(strings.ToUpper(target))
			return runVMAction(c, opts, args[0], func(ctx context.Context, svc *usecase.VMService, id int64) (*domain.VirtualMachine, error) {
				return svc.ResetError(ctx, id, state)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", string(domain.OperStateStopped), "STOPPED or STARTED")
	return cmd
}

func parseRebootType(s string) (backend.RebootType, error) {
	t := backend.RebootType(strings.ToUpper(s))
	if !t.Valid() {
		return "", fmt.Errorf("invalid reboot type %q, must be SOFT or HARD", s)
	}
	return t, nil
}

func runVMAction(c *cobra.Command, opts *globalOptions, rawID string, fn vmAction) error {
	id, err := parseID("vm", rawID)
	if err != nil {
		return err
	}
	return withService(c, opts, func(ctx context.Context, svc *usecase.VMService) (*domain.VirtualMachine, error) {
		return fn(ctx, svc, id)
	})
}

func withService(c *cobra.Command, opts *globalOptions,
	fn func(ctx context.Context, svc *usecase.VMService) (*domain.VirtualMachine, error),
) error {
	ctx := usecase.WithActor(c.Context(), opts.actor)
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	svc, err := e.vmService()
	if err != nil {
		return err
	}
	vm, err := fn(ctx, svc)
	if err != nil {
		return err
	}
	return render(c.OutOrStdout(), opts.output, newVMView(vm))
}
