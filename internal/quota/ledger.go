package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/store"
)

// Ledger ties commissions to VMs through persisted serial rows.
type Ledger struct {
	holder Holder
	now    func() time.Time
}

// NewLedger creates a ledger on top of a quota authority.
func NewLedger(holder Holder) *Ledger {
	return &Ledger{holder: holder, now: time.Now}
}

// IssueOneCommission reserves delta on the VM's project and records the
// serial on vm (the caller persists vm). A previous serial that was decided
// but never delivered to the authority is resolved first; one that is still
// pending blocks the new commission.
func (l *Ledger) IssueOneCommission(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine, delta domain.ResourceDelta, name string) (int64, error) {
	return l.IssueCommission(ctx, tx, vm, ProvisionsFor(vm.Project, delta), name)
}

// IssueCommission is IssueOneCommission with explicit provisions, for
// commissions spanning several holders.
func (l *Ledger) IssueCommission(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine, provisions []Provision, name string) (int64, error) {
	if err := l.settlePrevious(ctx, tx, vm); err != nil {
		return 0, err
	}

	serial, err := l.holder.IssueCommission(ctx, name, provisions)
	if err != nil {
		return 0, err
	}

	if err := tx.InsertSerial(ctx, &domain.CommissionSerial{
		Serial:    serial,
		VMID:      vm.ID,
		Name:      name,
		Pending:   true,
		CreatedAt: l.now(),
	}); err != nil {
		return 0, fmt.Errorf("record commission serial %d: %w", serial, err)
	}
	vm.Serial = serial

	logger.Debug("Commission issued",
		zap.Int64("vm_id", vm.ID),
		zap.Int64("serial", serial),
		zap.String("name", name),
	)
	return serial, nil
}

func (l *Ledger) settlePrevious(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) error {
	if vm.Serial == 0 {
		return nil
	}
	cs, err := tx.GetSerial(ctx, vm.Serial)
	if err != nil {
		return fmt.Errorf("load serial %d of vm %d: %w", vm.Serial, vm.ID, err)
	}
	if cs.Resolved {
		vm.Serial = 0
		return nil
	}
	if cs.Pending {
		return apperrors.ResolveError(cs.Serial,
			fmt.Sprintf("vm %d has an unresolved pending commission %d", vm.ID, cs.Serial))
	}
	if err := l.deliver(ctx, tx, cs); err != nil {
		return err
	}
	if !cs.Resolved {
		return apperrors.ServiceUnavailable(apperrors.CodeServiceUnavailable,
			fmt.Sprintf("commission %d of vm %d could not be delivered to the quota holder", cs.Serial, vm.ID))
	}
	vm.Serial = 0
	return nil
}

// ResolvePendingCommission decides the VM's live serial. It is a no-op
// without a serial or when the serial was already resolved the same way.
// When the authority is unreachable the decision is persisted and vm keeps
// the serial so the next commission delivers it.
func (l *Ledger) ResolvePendingCommission(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine, accept bool) error {
	if vm.Serial == 0 {
		return nil
	}
	cs, err := tx.GetSerial(ctx, vm.Serial)
	if err != nil {
		return fmt.Errorf("load serial %d of vm %d: %w", vm.Serial, vm.ID, err)
	}
	if err := l.decide(ctx, tx, cs, accept); err != nil {
		return err
	}
	if accept {
		applyHolding(vm, cs.Name)
	}
	if cs.Resolved {
		vm.Serial = 0
	}
	return nil
}

// ResolveSerial decides a single serial by number. An accept updates what
// the serial's VM holds, and a resolved serial is detached from it.
func (l *Ledger) ResolveSerial(ctx context.Context, tx store.Tx, serial int64, accept bool) (*domain.CommissionSerial, error) {
	cs, err := tx.GetSerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := l.decide(ctx, tx, cs, accept); err != nil {
		return nil, err
	}
	if cs.VMID == 0 || (!accept && !cs.Resolved) {
		return cs, nil
	}

	vm, err := tx.LockVM(ctx, cs.VMID)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			return cs, nil
		}
		return nil, err
	}
	if accept {
		applyHolding(vm, cs.Name)
	}
	if cs.Resolved && vm.Serial == serial {
		vm.Serial = 0
	}
	if err := tx.UpdateVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("settle serial %d on vm %d: %w", serial, vm.ID, err)
	}
	return cs, nil
}

// decide records the outcome and delivers it. A different outcome than one
// already recorded is a ResolveError.
func (l *Ledger) decide(ctx context.Context, tx store.Tx, cs *domain.CommissionSerial, accept bool) error {
	if !cs.Pending && cs.Accept != accept {
		return apperrors.ResolveError(cs.Serial,
			fmt.Sprintf("commission %d already decided as %s", cs.Serial, outcomeState(cs.Accept)))
	}
	if cs.Resolved {
		return nil
	}
	cs.Pending = false
	cs.Accept = accept
	return l.deliver(ctx, tx, cs)
}

// deliver sends a decided serial to the authority and persists the result.
func (l *Ledger) deliver(ctx context.Context, tx store.Tx, cs *domain.CommissionSerial) error {
	var accept, reject []int64
	if cs.Accept {
		accept = []int64{cs.Serial}
	} else {
		reject = []int64{cs.Serial}
	}

	err := l.holder.ResolveCommissions(ctx, accept, reject)
	switch {
	case err == nil:
		now := l.now()
		cs.Resolved = true
		cs.ResolvedAt = &now
	case apperrors.IsKind(err, apperrors.KindServiceUnavailable):
		logger.Warn("Quota holder unavailable, commission decision kept for retry",
			zap.Int64("serial", cs.Serial),
			zap.Bool("accept", cs.Accept),
			zap.Error(err),
		)
	default:
		return err
	}

	if err := tx.UpdateSerial(ctx, cs); err != nil {
		return fmt.Errorf("update serial %d: %w", cs.Serial, err)
	}
	return nil
}
