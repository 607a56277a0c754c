// Package usecase implements the VM action state machine.
//
// Every backend action follows one template, run under the VM row lock:
// validate, commission resources, submit the backend job, persist the
// pending task. A synchronous backend failure rejects the commission and
// puts the VM in ERROR; that state is committed even though the action
// itself fails.
package usecase

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/backend"
	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/quota"
	"gnt-shepherd.io/shepherd/internal/store"
)

// Settings are the backend-facing knobs of the service.
type Settings struct {
	InstancePrefix string
	Hotplug        bool
	DiskTemplate   string
	OS             string
}

// AuditLogger records operations. Failures are logged, never propagated.
type AuditLogger interface {
	LogVMOperation(ctx context.Context, operation string, vmID int64, actor string) error
}

type actorKey struct{}

// WithActor attaches the acting user to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the acting user, "system" when unset.
func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

// VMService runs VM operations.
type VMService struct {
	store       store.Store
	ledger      *quota.Ledger
	backend     backend.Client
	settings    Settings
	auditLogger AuditLogger
	dispatcher  *domain.EventDispatcher
}

// NewVMService creates a VMService.
func NewVMService(st store.Store, ledger *quota.Ledger, client backend.Client, settings Settings) *VMService {
	if settings.InstancePrefix == "" {
		settings.InstancePrefix = "snf-"
	}
	return &VMService{
		store:    st,
		ledger:   ledger,
		backend:  client,
		settings: settings,
	}
}

// WithAuditLogger sets the audit logger (optional dependency).
func (s *VMService) WithAuditLogger(al AuditLogger) *VMService {
	s.auditLogger = al
	return s
}

// WithDispatcher sets the domain event dispatcher (optional dependency).
func (s *VMService) WithDispatcher(d *domain.EventDispatcher) *VMService {
	s.dispatcher = d
	return s
}

// Get returns the VM record.
func (s *VMService) Get(ctx context.Context, vmID int64) (*domain.VirtualMachine, error) {
	var vm *domain.VirtualMachine
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		vm, err = tx.GetVM(ctx, vmID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vm, nil
}

// backendAction is the backend half of the template.
type backendAction struct {
	name   string
	task   domain.Task
	action domain.Action
	opcode domain.Opcode
	// serial is the commission issued for this action, 0 when none.
	serial int64
	call   func(ctx context.Context, instance string) (int64, error)
	// onSubmitted runs after the job was accepted, before the VM is saved.
	onSubmitted func(vm *domain.VirtualMachine)
	// onFailed undoes side effects of a failed submission.
	onFailed func(ctx context.Context)
}

// lockForAction loads and locks the VM and applies the common checks.
// Destroy passes checkTask=false.
func lockForAction(ctx context.Context, tx store.Tx, vmID int64, checkTask bool) (*domain.VirtualMachine, error) {
	vm, err := tx.LockVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if vm.Deleted {
		return nil, apperrors.BadRequest(apperrors.CodeVMDeleted, fmt.Sprintf("vm %d has been deleted", vm.ID))
	}
	if checkTask && vm.HasPendingTask() {
		if vm.Task == domain.TaskCreate {
			return nil, apperrors.BuildInProgress(vm.ID)
		}
		return nil, apperrors.Conflict(apperrors.CodePendingTask,
			fmt.Sprintf("vm %d has a pending %s task", vm.ID, vm.Task)).
			WithParams(map[string]interface{}{"task": string(vm.Task), "job_id": vm.BackendJobID})
	}
	return vm, nil
}

func requireOperState(vm *domain.VirtualMachine, action string, allowed ...domain.OperState) error {
	for _, st := range allowed {
		if vm.OperState == st {
			return nil
		}
	}
	return apperrors.BadRequest(apperrors.CodeInvalidOperstate,
		fmt.Sprintf("cannot %s vm %d in %s state", action, vm.ID, vm.OperState)).
		WithParams(map[string]interface{}{"operstate": string(vm.OperState)})
}

// submit invokes the backend for a locked, commissioned VM and persists the
// outcome. The returned opErr is the backend failure to report to the
// caller after commit; err aborts the transaction.
func (s *VMService) submit(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine, a backendAction) (opErr, err error) {
	instance := vm.InstanceName(s.settings.InstancePrefix)
	jobID, callErr := a.call(ctx, instance)

	if callErr != nil {
		opErr = backend.AsAppError(string(a.opcode), callErr)

		if apperrors.IsKind(opErr, apperrors.KindBackendTimeout) {
			// The job may exist. Keep the serial pending and record nothing else.
			logger.Warn("Backend call timed out, commission left in doubt",
				zap.Int64("vm_id", vm.ID),
				zap.String("instance", instance),
				zap.String("opcode", string(a.opcode)),
				zap.Int64("serial", vm.Serial),
			)
			if err := tx.UpdateVM(ctx, vm); err != nil {
				return nil, fmt.Errorf("save vm %d: %w", vm.ID, err)
			}
			return opErr, nil
		}

		logger.Error("Backend call failed",
			zap.Int64("vm_id", vm.ID),
			zap.String("instance", instance),
			zap.String("opcode", string(a.opcode)),
			zap.Error(callErr),
		)
		if a.serial != 0 && vm.Serial == a.serial {
			if err := s.ledger.ResolvePendingCommission(ctx, tx, vm, false); err != nil {
				return nil, fmt.Errorf("reject commission of vm %d: %w", vm.ID, err)
			}
		}
		if a.onFailed != nil {
			a.onFailed(ctx)
		}
		vm.OperState = domain.OperStateError
		vm.ClearTask()
		vm.PendingNIC = nil
		vm.PendingFlavorID = 0
		if err := tx.UpdateVM(ctx, vm); err != nil {
			return nil, fmt.Errorf("save vm %d: %w", vm.ID, err)
		}
		return opErr, nil
	}

	vm.SetTask(a.task, a.opcode, jobID)
	if a.action != "" {
		vm.Action = a.action
	}
	if a.onSubmitted != nil {
		a.onSubmitted(vm)
	}
	if err := tx.UpdateVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("save vm %d: %w", vm.ID, err)
	}

	logger.Info("Backend job submitted",
		zap.Int64("vm_id", vm.ID),
		zap.String("task", string(a.task)),
		zap.String("opcode", string(a.opcode)),
		zap.Int64("job_id", jobID),
		zap.Int64("serial", vm.Serial),
	)
	return nil, nil
}

// runAction runs the full template for an existing VM. prepare validates
// the VM, issues the commission and returns the backend action.
func (s *VMService) runAction(
	ctx context.Context,
	vmID int64,
	checkTask bool,
	prepare func(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) (backendAction, error),
) (*domain.VirtualMachine, error) {
	var (
		result *domain.VirtualMachine
		name   string
		opErr  error
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// Step 1: Lock and validate.
		vm, err := lockForAction(ctx, tx, vmID, checkTask)
		if err != nil {
			return err
		}

		// Step 2: Action specific checks and commission.
		a, err := prepare(ctx, tx, vm)
		if err != nil {
			return err
		}
		name = a.name

		// Step 3: Backend call and persistence.
		opErr, err = s.submit(ctx, tx, vm, a)
		if err != nil {
			return err
		}
		result = vm
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterAction(ctx, name, result, opErr)
	if opErr != nil {
		return nil, opErr
	}
	return result, nil
}

// commission issues delta on the VM's project unless it is empty and
// returns the serial, 0 when nothing was issued.
func (s *VMService) commission(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine, delta domain.ResourceDelta, name string) (int64, error) {
	if delta.IsZero() {
		return 0, nil
	}
	return s.ledger.IssueOneCommission(ctx, tx, vm, delta, name)
}

func (s *VMService) afterAction(ctx context.Context, name string, vm *domain.VirtualMachine, opErr error) {
	actor := ActorFrom(ctx)
	operation := name
	if opErr != nil {
		operation = name + ".failed"
	}
	s.audit(ctx, operation, vm.ID, actor)

	if opErr != nil || !vm.HasPendingTask() {
		return
	}
	if err := s.dispatcher.DispatchPayload(ctx, domain.EventVMActionSubmitted, vm.ID, actor, domain.VMActionPayload{
		VMID:   vm.ID,
		Task:   vm.Task,
		Opcode: vm.BackendOpcode,
		JobID:  vm.BackendJobID,
		Serial: vm.Serial,
		Actor:  actor,
	}); err != nil {
		logger.Warn("Dispatch action event failed", zap.Int64("vm_id", vm.ID), zap.Error(err))
	}
}

func (s *VMService) audit(ctx context.Context, operation string, vmID int64, actor string) {
	if s.auditLogger == nil {
		return
	}
	if err := s.auditLogger.LogVMOperation(ctx, operation, vmID, actor); err != nil {
		logger.Warn("Failed to write audit log",
			zap.String("operation", operation),
			zap.String("vm_id", strconv.FormatInt(vmID, 10)),
			zap.Error(err),
		)
	}
}
