package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

const vmColumns = `
	id, name, owner, project, shared_to_project, flavor_id, image_ref,
	COALESCE(backend_id, 0), deleted, suspended, action, task, operstate,
	COALESCE(backend_job_id, 0), backend_opcode, backend_job_status, backend_logmsg,
	COALESCE(serial, 0), COALESCE(pending_flavor_id, 0), pending_nic,
	rescue, COALESCE(rescue_image_id, 0), rescue_os_family, rescue_os,
	holds_resources, holds_active, created_at, updated_at`

func scanVM(row pgx.Row) (*domain.VirtualMachine, error) {
	var (
		vm  domain.VirtualMachine
		nic []byte
	)
	err := row.Scan(
		&vm.ID, &vm.Name, &vm.Owner, &vm.Project, &vm.SharedToProject, &vm.FlavorID, &vm.ImageRef,
		&vm.BackendID, &vm.Deleted, &vm.Suspended, &vm.Action, &vm.Task, &vm.OperState,
		&vm.BackendJobID, &vm.BackendOpcode, &vm.BackendJobStatus, &vm.BackendLogMsg,
		&vm.Serial, &vm.PendingFlavorID, &nic,
		&vm.Rescue, &vm.RescueImageID, &vm.RescueOSFamily, &vm.RescueOS,
		&vm.HoldsResources, &vm.HoldsActive, &vm.CreatedAt, &vm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(nic) > 0 {
		vm.PendingNIC = &domain.NICChange{}
		if err := json.Unmarshal(nic, vm.PendingNIC); err != nil {
			return nil, fmt.Errorf("decode pending nic of vm %d: %w", vm.ID, err)
		}
	}
	return &vm, nil
}

func encodeNIC(nic *domain.NICChange) ([]byte, error) {
	if nic == nil {
		return nil, nil
	}
	return json.Marshal(nic)
}

func (t *tx) LockVM(ctx context.Context, id int64) (*domain.VirtualMachine, error) {
	return t.getVM(ctx, id, " FOR UPDATE")
}

func (t *tx) GetVM(ctx context.Context, id int64) (*domain.VirtualMachine, error) {
	return t.getVM(ctx, id, "")
}

func (t *tx) getVM(ctx context.Context, id int64, suffix string) (*domain.VirtualMachine, error) {
	vm, err := scanVM(t.tx.QueryRow(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = $1`+suffix, id))
	if isNoRows(err) {
		return nil, apperrors.ErrVMNotFoundf(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load vm %d: %w", id, err)
	}
	return vm, nil
}

func (t *tx) InsertVM(ctx context.Context, vm *domain.VirtualMachine) error {
	nic, err := encodeNIC(vm.PendingNIC)
	if err != nil {
		return fmt.Errorf("encode pending nic: %w", err)
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO vms (
			name, owner, project, shared_to_project, flavor_id, image_ref, backend_id,
			deleted, suspended, action, task, operstate,
			backend_job_id, backend_opcode, backend_job_status, backend_logmsg,
			serial, pending_flavor_id, pending_nic,
			rescue, rescue_image_id, rescue_os_family, rescue_os,
			holds_resources, holds_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25)
		RETURNING id, created_at, updated_at`,
		vm.Name, vm.Owner, vm.Project, vm.SharedToProject, vm.FlavorID, vm.ImageRef, nullID(vm.BackendID),
		vm.Deleted, vm.Suspended, vm.Action, vm.Task, vm.OperState,
		nullID(vm.BackendJobID), vm.BackendOpcode, vm.BackendJobStatus, vm.BackendLogMsg,
		nullID(vm.Serial), nullID(vm.PendingFlavorID), nic,
		vm.Rescue, nullID(vm.RescueImageID), vm.RescueOSFamily, vm.RescueOS,
		vm.HoldsResources, vm.HoldsActive,
	).Scan(&vm.ID, &vm.CreatedAt, &vm.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert vm %q: %w", vm.Name, err)
	}
	return nil
}

func (t *tx) UpdateVM(ctx context.Context, vm *domain.VirtualMachine) error {
	nic, err := encodeNIC(vm.PendingNIC)
	if err != nil {
		return fmt.Errorf("encode pending nic: %w", err)
	}
	err = t.tx.QueryRow(ctx, `
		UPDATE vms SET
			name = $2, owner = $3, project = $4, shared_to_project = $5, flavor_id = $6,
			image_ref = $7, backend_id = $8, deleted = $9, suspended = $10, action = $11,
			task = $12, operstate = $13, backend_job_id = $14, backend_opcode = $15,
			backend_job_status = $16, backend_logmsg = $17, serial = $18,
			pending_flavor_id = $19, pending_nic = $20, rescue = $21, rescue_image_id = $22,
			rescue_os_family = $23, rescue_os = $24, holds_resources = $25,
			holds_active = $26, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		vm.ID, vm.Name, vm.Owner, vm.Project, vm.SharedToProject, vm.FlavorID,
		vm.ImageRef, nullID(vm.BackendID), vm.Deleted, vm.Suspended, vm.Action,
		vm.Task, vm.OperState, nullID(vm.BackendJobID), vm.BackendOpcode,
		vm.BackendJobStatus, vm.BackendLogMsg, nullID(vm.Serial),
		nullID(vm.PendingFlavorID), nic, vm.Rescue, nullID(vm.RescueImageID),
		vm.RescueOSFamily, vm.RescueOS, vm.HoldsResources, vm.HoldsActive,
	).Scan(&vm.UpdatedAt)
	if isNoRows(err) {
		return apperrors.ErrVMNotFoundf(vm.ID)
	}
	if err != nil {
		return fmt.Errorf("update vm %d: %w", vm.ID, err)
	}
	return nil
}

func (t *tx) ListStaleTasks(ctx context.Context, cutoff time.Time) ([]*domain.VirtualMachine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+vmColumns+` FROM vms
		WHERE task <> '' AND updated_at < $1
		ORDER BY id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.VirtualMachine
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vm: %w", err)
		}
		out = append(out, vm)
	}
	return out, rows.Err()
}
