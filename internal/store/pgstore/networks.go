package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

func (t *tx) LockNetwork(ctx context.Context, id int64) (*domain.Network, error) {
	return t.getNetwork(ctx, id, " FOR UPDATE")
}

func (t *tx) GetNetwork(ctx context.Context, id int64) (*domain.Network, error) {
	return t.getNetwork(ctx, id, "")
}

func (t *tx) getNetwork(ctx context.Context, id int64, suffix string) (*domain.Network, error) {
	var n domain.Network
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, backend_name, subnet, gateway, pool
		FROM networks WHERE id = $1`+suffix, id).
		Scan(&n.ID, &n.Name, &n.BackendName, &n.Subnet, &n.Gateway, &n.Pool)
	if isNoRows(err) {
		return nil, apperrors.NotFound(apperrors.CodeNetworkNotFound, fmt.Sprintf("network %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load network %d: %w", id, err)
	}
	return &n, nil
}

func (t *tx) UpdateNetworkPool(ctx context.Context, id int64, pool []byte) error {
	tag, err := t.tx.Exec(ctx, `UPDATE networks SET pool = $2 WHERE id = $1`, id, pool)
	if err != nil {
		return fmt.Errorf("update pool of network %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound(apperrors.CodeNetworkNotFound, fmt.Sprintf("network %d not found", id))
	}
	return nil
}

const portColumns = `id, COALESCE(vm_id, 0), network_id, address, state, idx, deleted`

func scanPort(row pgx.Row) (*domain.Port, error) {
	var p domain.Port
	if err := row.Scan(&p.ID, &p.VMID, &p.NetworkID, &p.Address, &p.State, &p.Index, &p.Deleted); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *tx) GetPort(ctx context.Context, id int64) (*domain.Port, error) {
	p, err := scanPort(t.tx.QueryRow(ctx, `SELECT `+portColumns+` FROM ports WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, apperrors.NotFound(apperrors.CodePortNotFound, fmt.Sprintf("port %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load port %d: %w", id, err)
	}
	return p, nil
}

func (t *tx) ListPorts(ctx context.Context, vmID int64) ([]*domain.Port, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+portColumns+` FROM ports
		WHERE vm_id = $1 AND NOT deleted ORDER BY idx`, vmID)
	if err != nil {
		return nil, fmt.Errorf("list ports of vm %d: %w", vmID, err)
	}
	defer rows.Close()

	var out []*domain.Port
	for rows.Next() {
		p, err := scanPort(rows)
		if err != nil {
			return nil, fmt.Errorf("scan port: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *tx) UpdatePort(ctx context.Context, p *domain.Port) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE ports SET vm_id = $2, network_id = $3, address = $4, state = $5, idx = $6, deleted = $7
		WHERE id = $1`,
		p.ID, nullID(p.VMID), p.NetworkID, p.Address, p.State, p.Index, p.Deleted)
	if err != nil {
		return fmt.Errorf("update port %d: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound(apperrors.CodePortNotFound, fmt.Sprintf("port %d not found", p.ID))
	}
	return nil
}
