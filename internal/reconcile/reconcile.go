// Package reconcile applies backend job notifications to VM records.
//
// Only the last submitted job of a VM is authoritative: a notification
// whose job id differs from the VM's backend job id changes nothing.
package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/quota"
	"gnt-shepherd.io/shepherd/internal/store"
	"gnt-shepherd.io/shepherd/internal/usecase"
)

// Outcome is what Apply did with a notification.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeProgress  Outcome = "progress"
	OutcomeApplied   Outcome = "applied"
)

// Reconciler moves VMs forward on job notifications.
type Reconciler struct {
	store      store.Store
	ledger     *quota.Ledger
	prefix     string
	dispatcher *domain.EventDispatcher
	metrics    *Metrics
}

// New creates a Reconciler for instances named prefix+<vm id>.
func New(st store.Store, ledger *quota.Ledger, prefix string) *Reconciler {
	if prefix == "" {
		prefix = "snf-"
	}
	return &Reconciler{store: st, ledger: ledger, prefix: prefix}
}

// WithDispatcher sets the domain event dispatcher (optional dependency).
func (r *Reconciler) WithDispatcher(d *domain.EventDispatcher) *Reconciler {
	r.dispatcher = d
	return r
}

// WithMetrics sets the collectors (optional dependency).
func (r *Reconciler) WithMetrics(m *Metrics) *Reconciler {
	r.metrics = m
	return r
}

// change is what a terminal notification did, reported after commit.
type change struct {
	state      domain.VMStateChangedPayload
	serial     int64
	accept     bool
	resolved   bool
	// resolveErr is a resolve failure that must not roll back the VM change.
	resolveErr error
}

// Apply applies one notification. A ResolveError is returned after the VM
// change has been committed; the caller should not retry it.
func (r *Reconciler) Apply(ctx context.Context, n domain.JobNotification) (Outcome, error) {
	vmID, ok := domain.ParseInstanceName(r.prefix, n.Instance)
	if !ok {
		logger.Info("Ignoring notification for foreign instance",
			zap.String("instance", n.Instance),
			zap.Int64("job_id", n.JobID),
		)
		r.metrics.observe(OutcomeIgnored, n.Status)
		return OutcomeIgnored, nil
	}

	var (
		outcome Outcome
		done    *change
	)
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		vm, err := tx.LockVM(ctx, vmID)
		if err != nil {
			if apperrors.IsKind(err, apperrors.KindNotFound) {
				logger.Info("Ignoring notification for unknown VM",
					zap.Int64("vm_id", vmID),
					zap.Int64("job_id", n.JobID),
				)
				outcome = OutcomeIgnored
				return nil
			}
			return err
		}

		if vm.BackendJobID == 0 || n.JobID != vm.BackendJobID {
			logger.Debug("Discarding notification of a superseded job",
				zap.Int64("vm_id", vm.ID),
				zap.Int64("job_id", n.JobID),
				zap.Int64("current_job_id", vm.BackendJobID),
			)
			outcome = OutcomeDiscarded
			return nil
		}

		status := domain.JobStatus(n.Status)
		if !status.Valid() {
			return apperrors.InvalidBackendMsg(n.Operation, n.Status)
		}
		// The submitted opcode stays the tracking key for the whole job.
		tracked := vm.BackendOpcode
		if tracked == "" {
			tracked = domain.Opcode(n.Operation)
		}

		// A successful op other than the submitted one is an intermediate
		// step of a multi-op job.
		if !status.Terminal() || (status == domain.JobStatusSuccess && domain.Opcode(n.Operation) != tracked) {
			vm.BackendJobStatus = status
			vm.BackendLogMsg = n.LogMessage()
			if err := tx.UpdateVM(ctx, vm); err != nil {
				return fmt.Errorf("save vm %d: %w", vm.ID, err)
			}
			outcome = OutcomeProgress
			return nil
		}

		// A failed or cancelled op fails the job; it is judged by the
		// submitted opcode.
		done, err = r.finish(ctx, tx, vm, tracked, status, n.LogMessage())
		if err != nil {
			return err
		}
		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		r.metrics.observe("error", n.Status)
		return "", err
	}
	r.metrics.observe(outcome, n.Status)

	if done == nil {
		return outcome, nil
	}
	r.dispatch(ctx, done)
	return outcome, done.resolveErr
}

// finish applies a terminal status and settles the commission.
func (r *Reconciler) finish(
	ctx context.Context,
	tx store.Tx,
	vm *domain.VirtualMachine,
	opcode domain.Opcode,
	status domain.JobStatus,
	logmsg string,
) (*change, error) {
	task := vm.Task
	jobID := vm.BackendJobID
	from := vm.OperState
	accept := status == domain.JobStatusSuccess

	switch status {
	case domain.JobStatusSuccess:
		t, known := domain.TransitionFor(opcode)
		if !known {
			logger.Warn("Unknown opcode, operstate unchanged",
				zap.Int64("vm_id", vm.ID),
				zap.String("opcode", string(opcode)),
			)
		}
		vm.OperState = t.Apply(vm.OperState)
		if err := r.applySuccess(ctx, tx, vm, opcode); err != nil {
			return nil, err
		}
	case domain.JobStatusError:
		if opcode.IsLifecycle() {
			vm.OperState = domain.OperStateError
		}
		if err := r.undoNICChange(ctx, tx, vm); err != nil {
			return nil, err
		}
	case domain.JobStatusCanceled:
		if err := r.undoNICChange(ctx, tx, vm); err != nil {
			return nil, err
		}
	}

	vm.ClearTask()
	vm.PendingNIC = nil
	vm.PendingFlavorID = 0
	vm.BackendOpcode = opcode
	vm.BackendJobStatus = status
	vm.BackendLogMsg = logmsg

	serial := vm.Serial
	var resolveErr error
	if err := r.ledger.ResolvePendingCommission(ctx, tx, vm, accept); err != nil {
		if !apperrors.IsKind(err, apperrors.KindResolve) {
			return nil, err
		}
		logger.Error("Commission of a finished job could not be resolved",
			zap.Int64("vm_id", vm.ID),
			zap.Int64("serial", serial),
			zap.Bool("accept", accept),
			zap.Error(err),
		)
		resolveErr = err
	}

	if err := tx.UpdateVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("save vm %d: %w", vm.ID, err)
	}

	logger.Info("Backend job finished",
		zap.Int64("vm_id", vm.ID),
		zap.String("task", string(task)),
		zap.String("opcode", string(opcode)),
		zap.String("status", string(status)),
		zap.String("from", string(from)),
		zap.String("to", string(vm.OperState)),
	)

	return &change{
		state: domain.VMStateChangedPayload{
			VMID:      vm.ID,
			Task:      task,
			From:      from,
			To:        vm.OperState,
			Opcode:    opcode,
			JobID:     jobID,
			JobStatus: status,
		},
		serial:     serial,
		accept:     accept,
		resolved:   serial != 0 && vm.Serial == 0,
		resolveErr: resolveErr,
	}, nil
}

func (r *Reconciler) applySuccess(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine, opcode domain.Opcode) error {
	if opcode == domain.OpInstanceRemove {
		vm.Deleted = true
		return r.releasePorts(ctx, tx, vm)
	}

	switch vm.Task {
	case domain.TaskResize:
		if vm.PendingFlavorID != 0 {
			vm.FlavorID = vm.PendingFlavorID
		}
	case domain.TaskRescue:
		vm.Rescue = true
	case domain.TaskUnrescue:
		vm.Rescue = false
		vm.RescueImageID = 0
	case domain.TaskConnect:
		if vm.PendingNIC == nil {
			return nil
		}
		port, err := tx.GetPort(ctx, vm.PendingNIC.PortID)
		if err != nil {
			return err
		}
		port.VMID = vm.ID
		port.State = domain.PortActive
		port.Index = vm.PendingNIC.Index
		if err := tx.UpdatePort(ctx, port); err != nil {
			return fmt.Errorf("activate port %d: %w", port.ID, err)
		}
	case domain.TaskDisconnect:
		if vm.PendingNIC == nil {
			return nil
		}
		port, err := tx.GetPort(ctx, vm.PendingNIC.PortID)
		if err != nil {
			return err
		}
		if err := r.deletePort(ctx, tx, port); err != nil {
			return err
		}
	}
	return nil
}

// undoNICChange reverts the reservation made for a connect that did not happen.
func (r *Reconciler) undoNICChange(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) error {
	if vm.Task != domain.TaskConnect || vm.PendingNIC == nil {
		return nil
	}
	port, err := tx.GetPort(ctx, vm.PendingNIC.PortID)
	if err != nil {
		return err
	}
	port.State = domain.PortError
	if err := tx.UpdatePort(ctx, port); err != nil {
		return fmt.Errorf("mark port %d as errored: %w", port.ID, err)
	}
	if vm.PendingNIC.Address == "" {
		return nil
	}
	return usecase.ReleaseAddress(ctx, tx, vm.PendingNIC.NetworkID, vm.PendingNIC.Address)
}

// releasePorts deletes every live port of a removed VM.
func (r *Reconciler) releasePorts(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) error {
	ports, err := tx.ListPorts(ctx, vm.ID)
	if err != nil {
		return fmt.Errorf("list ports of vm %d: %w", vm.ID, err)
	}
	for _, p := range ports {
		if err := r.deletePort(ctx, tx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) deletePort(ctx context.Context, tx store.Tx, port *domain.Port) error {
	if port.Address != "" {
		if err := usecase.ReleaseAddress(ctx, tx, port.NetworkID, port.Address); err != nil {
			return fmt.Errorf("release address of port %d: %w", port.ID, err)
		}
	}
	port.Deleted = true
	port.State = domain.PortDown
	if err := tx.UpdatePort(ctx, port); err != nil {
		return fmt.Errorf("delete port %d: %w", port.ID, err)
	}
	return nil
}

func (r *Reconciler) dispatch(ctx context.Context, c *change) {
	if err := r.dispatcher.DispatchPayload(ctx, domain.EventVMStateChanged, c.state.VMID, "reconciler", c.state); err != nil {
		logger.Warn("Dispatch state change failed", zap.Int64("vm_id", c.state.VMID), zap.Error(err))
	}
	if !c.resolved {
		return
	}
	if err := r.dispatcher.DispatchPayload(ctx, domain.EventCommissionResolved, c.state.VMID, "reconciler", domain.CommissionResolvedPayload{
		VMID:   c.state.VMID,
		Serial: c.serial,
		Accept: c.accept,
	}); err != nil {
		logger.Warn("Dispatch commission event failed", zap.Int64("vm_id", c.state.VMID), zap.Error(err))
	}
}
