package usecase

import (
	"context"
	"fmt"

	"gnt-shepherd.io/shepherd/internal/backend"
	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/quota"
	"gnt-shepherd.io/shepherd/internal/store"
)

// Start boots a stopped VM.
func (s *VMService) Start(ctx context.Context, vmID int64) (*domain.VirtualMachine, error) {
	return s.runAction(ctx, vmID, true, func(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) (backendAction, error) {
		if vm.Suspended {
			return backendAction{}, apperrors.Forbidden(apperrors.CodeVMSuspended,
				fmt.Sprintf("vm %d is suspended", vm.ID))
		}
		if err := requireOperState(vm, "start", domain.OperStateStopped); err != nil {
			return backendAction{}, err
		}
		flavor, err := tx.GetFlavor(ctx, vm.FlavorID)
		if err != nil {
			return backendAction{}, err
		}
		serial, err := s.commission(ctx, tx, vm, quota.StartDelta(flavor), quota.CommissionStart)
		if err != nil {
			return backendAction{}, err
		}
		return backendAction{
			name:   "start",
			task:   domain.TaskStart,
			action: domain.ActionStart,
			opcode: domain.OpInstanceStartup,
			serial: serial,
			call:   s.backend.StartupInstance,
		}, nil
	})
}

// Stop shuts down a running VM.
func (s *VMService) Stop(ctx context.Context, vmID int64) (*domain.VirtualMachine, error) {
	return s.runAction(ctx, vmID, true, func(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) (backendAction, error) {
		if err := requireOperState(vm, "stop", domain.OperStateStarted); err != nil {
			return backendAction{}, err
		}
		flavor, err := tx.GetFlavor(ctx, vm.FlavorID)
		if err != nil {
			return backendAction{}, err
		}
		serial, err := s.commission(ctx, tx, vm, quota.StopDelta(flavor), quota.CommissionStop)
		if err != nil {
			return backendAction{}, err
		}
		return backendAction{
			name:   "stop",
			task:   domain.TaskStop,
			action: domain.ActionStop,
			opcode: domain.OpInstanceShutdown,
			serial: serial,
			call:   s.backend.ShutdownInstance,
		}, nil
	})
}

// Reboot restarts a running VM. No resources change.
func (s *VMService) Reboot(ctx context.Context, vmID int64, rebootType backend.RebootType) (*domain.VirtualMachine, error) {
	if !rebootType.Valid() {
		return nil, apperrors.BadRequest(apperrors.CodeBadRequest,
			fmt.Sprintf("invalid reboot type %q, must be SOFT or HARD", rebootType))
	}
	return s.runAction(ctx, vmID, true, func(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) (backendAction, error) {
		if err := requireOperState(vm, "reboot", domain.OperStateStarted); err != nil {
			return backendAction{}, err
		}
		return backendAction{
			name:   "reboot",
			task:   domain.TaskReboot,
			action: domain.ActionReboot,
			opcode: domain.OpInstanceReboot,
			call: func(ctx context.Context, instance string) (int64, error) {
				return s.backend.RebootInstance(ctx, instance, rebootType)
			},
		}, nil
	})
}

// Destroy removes a VM. It preempts any pending task; only an already
// deleted VM is refused.
func (s *VMService) Destroy(ctx context.Context, vmID int64) (*domain.VirtualMachine, error) {
	return s.runAction(ctx, vmID, false, func(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) (backendAction, error) {
		// The preempted task's commission will never be reconciled.
		if vm.Serial != 0 {
			cs, err := tx.GetSerial(ctx, vm.Serial)
			if err != nil {
				return backendAction{}, err
			}
			if cs.Pending {
				if err := s.ledger.ResolvePendingCommission(ctx, tx, vm, false); err != nil {
					return backendAction{}, err
				}
			}
		}

		var serial int64
		if vm.HoldsResources || vm.HoldsActive {
			flavor, err := tx.GetFlavor(ctx, vm.FlavorID)
			if err != nil {
				return backendAction{}, err
			}
			serial, err = s.commission(ctx, tx, vm, quota.DestroyDelta(flavor, vm), quota.CommissionDestroy)
			if err != nil {
				return backendAction{}, err
			}
		}
		vm.PendingFlavorID = 0
		vm.PendingNIC = nil
		return backendAction{
			name:   "destroy",
			task:   domain.TaskDestroy,
			action: domain.ActionDestroy,
			opcode: domain.OpInstanceRemove,
			serial: serial,
			call:   s.backend.DeleteInstance,
		}, nil
	})
}

// Resize changes the flavor of a stopped VM. The new flavor is applied
// when the backend job succeeds.
func (s *VMService) Resize(ctx context.Context, vmID, flavorID int64) (*domain.VirtualMachine, error) {
	return s.runAction(ctx, vmID, true, func(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) (backendAction, error) {
		if err := requireOperState(vm, "resize", domain.OperStateStopped); err != nil {
			return backendAction{}, err
		}
		if vm.FlavorID == flavorID {
			return backendAction{}, apperrors.BadRequest(apperrors.CodeBadRequest,
				fmt.Sprintf("vm %d already has flavor %d", vm.ID, flavorID))
		}
		current, err := tx.GetFlavor(ctx, vm.FlavorID)
		if err != nil {
			return backendAction{}, err
		}
		target, err := tx.GetFlavor(ctx, flavorID)
		if err != nil {
			return backendAction{}, err
		}
		if err := checkFlavorAccess(ctx, tx, vm.Project, target); err != nil {
			return backendAction{}, err
		}
		if target.DiskTemplate != current.DiskTemplate {
			return backendAction{}, apperrors.BadRequest(apperrors.CodeBadRequest,
				"cannot resize to a flavor with a different disk template")
		}
		if target.DiskGB != current.DiskGB {
			return backendAction{}, apperrors.BadRequest(apperrors.CodeBadRequest,
				"cannot resize to a flavor with a different disk size")
		}

		serial, err := s.commission(ctx, tx, vm, quota.ResizeDelta(current, target), quota.CommissionResize)
		if err != nil {
			return backendAction{}, err
		}
		req := backend.ModifyRequest{BEParams: map[string]interface{}{
			"vcpus":  target.CPU,
			"maxmem": target.RAMMB,
			"minmem": target.RAMMB,
		}}
		return backendAction{
			name:   "resize",
			task:   domain.TaskResize,
			opcode: domain.OpInstanceSetParams,
			serial: serial,
			call: func(ctx context.Context, instance string) (int64, error) {
				return s.backend.ModifyInstance(ctx, instance, req)
			},
			onSubmitted: func(vm *domain.VirtualMachine) {
				vm.PendingFlavorID = target.ID
			},
		}, nil
	})
}

func checkFlavorAccess(ctx context.Context, tx store.Tx, project string, f *domain.Flavor) error {
	if f.Public {
		return nil
	}
	ok, err := tx.FlavorAccessAllowed(ctx, project, f.ID)
	if err != nil {
		return fmt.Errorf("check flavor access: %w", err)
	}
	if !ok {
		return apperrors.Forbidden(apperrors.CodeForbidden,
			fmt.Sprintf("project %s may not use flavor %d", project, f.ID))
	}
	return nil
}
