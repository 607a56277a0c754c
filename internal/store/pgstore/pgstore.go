// Package pgstore implements store.Store on PostgreSQL.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gnt-shepherd.io/shepherd/internal/store"
)

// Schema is the DDL of every control plane table.
//
//go:embed schema.sql
var Schema string

// Store is a pgxpool-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New creates a Store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ApplySchema creates missing tables and indexes.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx implements store.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(ptx pgx.Tx) error {
		return fn(ctx, &tx{tx: ptx})
	})
}

type tx struct {
	tx pgx.Tx
}

var _ store.Tx = (*tx)(nil)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// nullID maps the zero "unset" id to SQL NULL.
func nullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
