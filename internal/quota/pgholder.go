package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

// PGHolder is a quota authority backed by the quota_holdings and
// quota_commissions tables.
type PGHolder struct {
	pool     *pgxpool.Pool
	defaults map[string]int64
}

var _ Holder = (*PGHolder)(nil)

// NewPGHolder creates a PostgreSQL quota holder.
func NewPGHolder(pool *pgxpool.Pool, defaults map[string]int64) *PGHolder {
	return &PGHolder{pool: pool, defaults: defaults}
}

// SetLimit upserts an explicit limit.
func (h *PGHolder) SetLimit(ctx context.Context, holder, resource string, limit int64) error {
	_, err := h.pool.Exec(ctx, `
		INSERT INTO quota_holdings (holder, resource, "limit")
		VALUES ($1, $2, $3)
		ON CONFLICT (holder, resource) DO UPDATE SET "limit" = EXCLUDED."limit"`,
		holder, resource, limit)
	if err != nil {
		return fmt.Errorf("set quota limit %s/%s: %w", holder, resource, err)
	}
	return nil
}

// Holding reads the accounting of holder/resource.
func (h *PGHolder) Holding(ctx context.Context, holder, resource string) (Holding, error) {
	var hd Holding
	err := h.pool.QueryRow(ctx, `
		SELECT "limit", usage, pending_add, pending_remove
		FROM quota_holdings WHERE holder = $1 AND resource = $2`,
		holder, resource).Scan(&hd.Limit, &hd.Usage, &hd.PendingAdd, &hd.PendingRemove)
	if errors.Is(err, pgx.ErrNoRows) {
		return Holding{}, nil
	}
	if err != nil {
		return Holding{}, fmt.Errorf("read quota holding %s/%s: %w", holder, resource, err)
	}
	return hd, nil
}

// IssueCommission implements Holder.
func (h *PGHolder) IssueCommission(ctx context.Context, name string, provisions []Provision) (int64, error) {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return 0, unavailable(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, p := range provisions {
		hd, err := h.lockHolding(ctx, tx, p.Holder, p.Resource)
		if err != nil {
			return 0, err
		}
		if err := checkLimit(&hd, p); err != nil {
			return 0, err
		}
		add, remove := splitQuantity(p.Quantity)
		if _, err := tx.Exec(ctx, `
			UPDATE quota_holdings
			SET pending_add = pending_add + $3, pending_remove = pending_remove + $4
			WHERE holder = $1 AND resource = $2`,
			p.Holder, p.Resource, add, remove); err != nil {
			return 0, fmt.Errorf("reserve %s/%s: %w", p.Holder, p.Resource, err)
		}
	}

	body, err := json.Marshal(provisions)
	if err != nil {
		return 0, fmt.Errorf("encode provisions: %w", err)
	}
	var serial int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO quota_commissions (name, provisions, state)
		VALUES ($1, $2, $3) RETURNING serial`,
		name, body, statePending).Scan(&serial); err != nil {
		return 0, fmt.Errorf("insert commission: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable(err)
	}
	return serial, nil
}

// ResolveCommissions implements Holder.
func (h *PGHolder) ResolveCommissions(ctx context.Context, accept, reject []int64) error {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, serial := range accept {
		if err := h.resolve(ctx, tx, serial, true); err != nil {
			return err
		}
	}
	for _, serial := range reject {
		if err := h.resolve(ctx, tx, serial, false); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (h *PGHolder) resolve(ctx context.Context, tx pgx.Tx, serial int64, accept bool) error {
	var (
		state string
		body  []byte
	)
	err := tx.QueryRow(ctx, `
		SELECT state, provisions FROM quota_commissions
		WHERE serial = $1 FOR UPDATE`, serial).Scan(&state, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ResolveError(serial, fmt.Sprintf("unknown commission %d", serial))
	}
	if err != nil {
		return fmt.Errorf("load commission %d: %w", serial, err)
	}

	target := outcomeState(accept)
	if state == target {
		return nil
	}
	if state != statePending {
		return apperrors.ResolveError(serial, fmt.Sprintf("commission %d already %s", serial, state))
	}

	var provisions []Provision
	if err := json.Unmarshal(body, &provisions); err != nil {
		return fmt.Errorf("decode provisions of commission %d: %w", serial, err)
	}
	for _, p := range provisions {
		add, remove := splitQuantity(p.Quantity)
		usage := int64(0)
		if accept {
			usage = p.Quantity
		}
		if _, err := tx.Exec(ctx, `
			UPDATE quota_holdings
			SET pending_add = pending_add - $3, pending_remove = pending_remove - $4, usage = usage + $5
			WHERE holder = $1 AND resource = $2`,
			p.Holder, p.Resource, add, remove, usage); err != nil {
			return fmt.Errorf("settle %s/%s for commission %d: %w", p.Holder, p.Resource, serial, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE quota_commissions SET state = $2, resolved_at = now()
		WHERE serial = $1`, serial, target); err != nil {
		return fmt.Errorf("mark commission %d %s: %w", serial, target, err)
	}
	return nil
}

// lockHolding creates the holding row when missing and locks it.
func (h *PGHolder) lockHolding(ctx context.Context, tx pgx.Tx, holder, resource string) (Holding, error) {
	var limit *int64
	if l, ok := h.defaults[resource]; ok {
		limit = &l
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO quota_holdings (holder, resource, "limit")
		VALUES ($1, $2, $3)
		ON CONFLICT (holder, resource) DO NOTHING`,
		holder, resource, limit); err != nil {
		return Holding{}, fmt.Errorf("ensure holding %s/%s: %w", holder, resource, err)
	}

	var hd Holding
	if err := tx.QueryRow(ctx, `
		SELECT "limit", usage, pending_add, pending_remove
		FROM quota_holdings WHERE holder = $1 AND resource = $2 FOR UPDATE`,
		holder, resource).Scan(&hd.Limit, &hd.Usage, &hd.PendingAdd, &hd.PendingRemove); err != nil {
		return Holding{}, fmt.Errorf("lock holding %s/%s: %w", holder, resource, err)
	}
	return hd, nil
}

func splitQuantity(q int64) (add, remove int64) {
	if q > 0 {
		return q, 0
	}
	return 0, -q
}

func unavailable(err error) error {
	return apperrors.Wrap(err, apperrors.KindServiceUnavailable, apperrors.CodeServiceUnavailable, "quota holder unavailable")
}
