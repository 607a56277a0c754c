package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

const serialColumns = `serial, vm_id, name, pending, resolved, accept, created_at, resolved_at`

func scanSerial(row pgx.Row) (*domain.CommissionSerial, error) {
	var cs domain.CommissionSerial
	err := row.Scan(&cs.Serial, &cs.VMID, &cs.Name, &cs.Pending, &cs.Resolved, &cs.Accept, &cs.CreatedAt, &cs.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

func (t *tx) GetSerial(ctx context.Context, serial int64) (*domain.CommissionSerial, error) {
	cs, err := scanSerial(t.tx.QueryRow(ctx,
		`SELECT `+serialColumns+` FROM commission_serials WHERE serial = $1`, serial))
	if isNoRows(err) {
		return nil, apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("commission serial %d not found", serial))
	}
	if err != nil {
		return nil, fmt.Errorf("load commission serial %d: %w", serial, err)
	}
	return cs, nil
}

func (t *tx) InsertSerial(ctx context.Context, cs *domain.CommissionSerial) error {
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO commission_serials (serial, vm_id, name, pending, resolved, accept, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cs.Serial, cs.VMID, cs.Name, cs.Pending, cs.Resolved, cs.Accept, cs.CreatedAt, cs.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert commission serial %d: %w", cs.Serial, err)
	}
	return nil
}

func (t *tx) UpdateSerial(ctx context.Context, cs *domain.CommissionSerial) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE commission_serials SET pending = $2, resolved = $3, accept = $4, resolved_at = $5
		WHERE serial = $1`,
		cs.Serial, cs.Pending, cs.Resolved, cs.Accept, cs.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update commission serial %d: %w", cs.Serial, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("commission serial %d not found", cs.Serial))
	}
	return nil
}

func (t *tx) ListUnresolvedSerials(ctx context.Context, cutoff time.Time) ([]*domain.CommissionSerial, error) {
	query := `SELECT ` + serialColumns + ` FROM commission_serials WHERE NOT resolved`
	args := []any{}
	if !cutoff.IsZero() {
		query += ` AND created_at < $1`
		args = append(args, cutoff)
	}
	rows, err := t.tx.Query(ctx, query+` ORDER BY serial`, args...)
	if err != nil {
		return nil, fmt.Errorf("list unresolved serials: %w", err)
	}
	defer rows.Close()

	var out []*domain.CommissionSerial
	for rows.Next() {
		cs, err := scanSerial(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commission serial: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}
