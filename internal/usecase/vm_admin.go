package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/backend"
	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/quota"
	"gnt-shepherd.io/shepherd/internal/store"
)

// Reassign moves a VM to another project. It does not involve the backend:
// the commission is issued and accepted in the same transaction.
func (s *VMService) Reassign(ctx context.Context, vmID int64, project string, shared bool) (*domain.VirtualMachine, error) {
	if project == "" {
		return nil, apperrors.BadRequest(apperrors.CodeBadRequest, "target project is required")
	}

	var result *domain.VirtualMachine
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// Step 1: Lock and validate.
		vm, err := lockForAction(ctx, tx, vmID, true)
		if err != nil {
			return err
		}

		// Step 2: The target project must be allowed on the VM's backend and flavor.
		be, err := tx.GetBackend(ctx, vm.BackendID)
		if err != nil {
			return err
		}
		if !be.Public {
			granted, err := tx.ProjectBackendIDs(ctx, project)
			if err != nil {
				return fmt.Errorf("list backends of project %s: %w", project, err)
			}
			if !containsID(granted, be.ID) {
				return apperrors.Forbidden(apperrors.CodeForbidden,
					fmt.Sprintf("project %s may not use backend %d", project, be.ID))
			}
		}
		flavor, err := tx.GetFlavor(ctx, vm.FlavorID)
		if err != nil {
			return err
		}
		if err := checkFlavorAccess(ctx, tx, project, flavor); err != nil {
			return err
		}

		// Step 3: Move the held resources and settle at once.
		if project != vm.Project && (vm.HoldsResources || vm.HoldsActive) {
			provisions := quota.ReassignProvisions(flavor, vm, vm.Project, project)
			if _, err := s.ledger.IssueCommission(ctx, tx, vm, provisions, quota.CommissionReassign); err != nil {
				return err
			}
			if err := s.ledger.ResolvePendingCommission(ctx, tx, vm, true); err != nil {
				return err
			}
		}

		// Step 4: Update the VM and its root volume.
		vm.Project = project
		vm.SharedToProject = shared
		if err := tx.UpdateVM(ctx, vm); err != nil {
			return fmt.Errorf("save vm %d: %w", vm.ID, err)
		}
		if shared {
			volumes, err := tx.ListVolumes(ctx, vm.ID)
			if err != nil {
				return fmt.Errorf("list volumes of vm %d: %w", vm.ID, err)
			}
			for _, v := range volumes {
				if v.Index != 0 {
					continue
				}
				v.Project = project
				v.SharedToProject = true
				if err := tx.UpdateVolume(ctx, v); err != nil {
					return fmt.Errorf("update volume %d: %w", v.ID, err)
				}
			}
		}
		result = vm
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("VM reassigned",
		zap.Int64("vm_id", result.ID),
		zap.String("project", project),
		zap.Bool("shared", shared),
	)
	s.audit(ctx, "reassign", result.ID, ActorFrom(ctx))
	return result, nil
}

// Rescue boots a stopped VM from a rescue image on its next start.
func (s *VMService) Rescue(ctx context.Context, vmID int64) (*domain.VirtualMachine, error) {
	return s.runAction(ctx, vmID, true, func(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) (backendAction, error) {
		if err := requireOperState(vm, "rescue", domain.OperStateStopped); err != nil {
			return backendAction{}, err
		}
		if vm.Rescue {
			return backendAction{}, apperrors.BadRequest(apperrors.CodeBadRequest,
				fmt.Sprintf("vm %d is already in rescue mode", vm.ID))
		}
		image, err := selectRescueImage(ctx, tx, vm)
		if err != nil {
			return backendAction{}, err
		}
		req := backend.ModifyRequest{HVParams: map[string]interface{}{
			"cdrom_image_path": image.Location,
			"boot_order":       "cdrom",
		}}
		return backendAction{
			name:   "rescue",
			task:   domain.TaskRescue,
			opcode: domain.OpInstanceSetParams,
			call: func(ctx context.Context, instance string) (int64, error) {
				return s.backend.ModifyInstance(ctx, instance, req)
			},
			onSubmitted: func(vm *domain.VirtualMachine) {
				vm.RescueImageID = image.ID
			},
		}, nil
	})
}

// Unrescue restores normal disk boot of a rescued VM.
func (s *VMService) Unrescue(ctx context.Context, vmID int64) (*domain.VirtualMachine, error) {
	return s.runAction(ctx, vmID, true, func(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) (backendAction, error) {
		if err := requireOperState(vm, "unrescue", domain.OperStateStopped); err != nil {
			return backendAction{}, err
		}
		if !vm.Rescue {
			return backendAction{}, apperrors.BadRequest(apperrors.CodeBadRequest,
				fmt.Sprintf("vm %d is not in rescue mode", vm.ID))
		}
		req := backend.ModifyRequest{HVParams: map[string]interface{}{
			"cdrom_image_path": "",
			"boot_order":       "disk",
		}}
		return backendAction{
			name:   "unrescue",
			task:   domain.TaskUnrescue,
			opcode: domain.OpInstanceSetParams,
			call: func(ctx context.Context, instance string) (int64, error) {
				return s.backend.ModifyInstance(ctx, instance, req)
			},
		}, nil
	})
}

// selectRescueImage prefers an image matching the VM's rescue properties,
// then one matching the OS family alone, then the default image.
func selectRescueImage(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) (*domain.RescueImage, error) {
	images, err := tx.ListRescueImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rescue images: %w", err)
	}

	if vm.RescueOSFamily != "" || vm.RescueOS != "" {
		for _, img := range images {
			if img.OSFamily == vm.RescueOSFamily && img.OS == vm.RescueOS {
				return img, nil
			}
		}
		if vm.RescueOSFamily != "" {
			for _, img := range images {
				if img.OSFamily == vm.RescueOSFamily {
					return img, nil
				}
			}
		}
	}
	for _, img := range images {
		if img.IsDefault {
			return img, nil
		}
	}
	return nil, apperrors.ServiceUnavailable(apperrors.CodeNoRescueImage, "no rescue image available")
}

// SetSuspended marks a VM as administratively suspended or releases it.
func (s *VMService) SetSuspended(ctx context.Context, vmID int64, suspended bool) (*domain.VirtualMachine, error) {
	var result *domain.VirtualMachine
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		vm, err := tx.LockVM(ctx, vmID)
		if err != nil {
			return err
		}
		vm.Suspended = suspended
		if suspended {
			vm.Action = domain.ActionSuspend
		}
		if err := tx.UpdateVM(ctx, vm); err != nil {
			return fmt.Errorf("save vm %d: %w", vm.ID, err)
		}
		result = vm
		return nil
	})
	if err != nil {
		return nil, err
	}

	operation := "unsuspend"
	if suspended {
		operation = "suspend"
	}
	s.audit(ctx, operation, result.ID, ActorFrom(ctx))
	return result, nil
}

// ResetError moves a VM out of ERROR by administrative decision.
func (s *VMService) ResetError(ctx context.Context, vmID int64, target domain.OperState) (*domain.VirtualMachine, error) {
	if target != domain.OperStateStopped && target != domain.OperStateStarted {
		return nil, apperrors.BadRequest(apperrors.CodeBadRequest,
			fmt.Sprintf("cannot reset to %q, must be STOPPED or STARTED", target))
	}

	var result *domain.VirtualMachine
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		vm, err := lockForAction(ctx, tx, vmID, true)
		if err != nil {
			return err
		}
		if err := requireOperState(vm, "reset", domain.OperStateError); err != nil {
			return err
		}

		// A decided serial is delivered. A pending one is left for the
		// operator and blocks any change in what the VM holds.
		if vm.Serial != 0 {
			cs, err := tx.GetSerial(ctx, vm.Serial)
			if err != nil {
				return err
			}
			if !cs.Pending && !cs.Resolved {
				if err := s.ledger.ResolvePendingCommission(ctx, tx, vm, cs.Accept); err != nil {
					return err
				}
			}
		}

		// The VM now holds what a healthy VM in target holds.
		active := target == domain.OperStateStarted
		flavor, err := tx.GetFlavor(ctx, vm.FlavorID)
		if err != nil {
			return err
		}
		if delta := quota.HoldingDelta(flavor, vm, true, active); !delta.IsZero() {
			if _, err := s.ledger.IssueOneCommission(ctx, tx, vm, delta, quota.CommissionReset); err != nil {
				return err
			}
			if err := s.ledger.ResolvePendingCommission(ctx, tx, vm, true); err != nil {
				return err
			}
		}
		vm.HoldsResources, vm.HoldsActive = true, active

		vm.OperState = target
		if err := tx.UpdateVM(ctx, vm); err != nil {
			return fmt.Errorf("save vm %d: %w", vm.ID, err)
		}
		result = vm
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Warn("VM operstate reset by operator",
		zap.Int64("vm_id", result.ID),
		zap.String("operstate", string(target)),
		zap.String("actor", ActorFrom(ctx)),
	)
	s.audit(ctx, "reset_error", result.ID, ActorFrom(ctx))
	return result, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
