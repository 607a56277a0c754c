// Package infrastructure provides database and connection pool setup.
//
// One pgxpool is shared by the store, the quota holder, the audit logger
// and River, so a job insert can join the caller's transaction.
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/config"
	"gnt-shepherd.io/shepherd/internal/jobs"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/store/pgstore"
)

const connectRetryDelay = 2 * time.Second

// DatabaseClients contains all database-related clients.
// All clients share a single pgxpool connection pool.
type DatabaseClients struct {
	// Pool is the shared connection pool.
	Pool *pgxpool.Pool

	// RiverClient is the River job queue client backed by the shared pool.
	// Nil until InitRiverClient.
	RiverClient *river.Client[pgx.Tx]
}

// NewDatabaseClients creates the shared pool. Connecting is retried
// cfg.ConnectRetries times so the server can start alongside its database.
func NewDatabaseClients(ctx context.Context, cfg config.DatabaseConfig) (*DatabaseClients, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = time.Minute

	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone = 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pingWithRetry(ctx, pool, cfg.ConnectRetries); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Database connection pool created",
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Int32("min_conns", poolConfig.MinConns),
	)

	return &DatabaseClients{Pool: pool}, nil
}

func pingWithRetry(ctx context.Context, pool *pgxpool.Pool, retries int) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = pool.Ping(ctx); err == nil {
			return nil
		}
		if attempt >= retries {
			return fmt.Errorf("ping database after %d attempts: %w", attempt+1, err)
		}
		logger.Warn("Database not reachable, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", connectRetryDelay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping database: %w", ctx.Err())
		case <-time.After(connectRetryDelay):
		}
	}
}

// AutoMigrate creates the control plane tables and runs the River queue
// table migration.
func (c *DatabaseClients) AutoMigrate(ctx context.Context) error {
	logger.Info("Applying control plane schema...")
	if err := pgstore.ApplySchema(ctx, c.Pool); err != nil {
		return err
	}

	logger.Info("Running River migration...")
	migrator, err := rivermigrate.New(riverpgxv5.New(c.Pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	if len(res.Versions) > 0 {
		logger.Info("River migration completed",
			zap.Int("versions_applied", len(res.Versions)),
		)
	} else {
		logger.Info("River migration: already up-to-date")
	}

	return nil
}

// InitRiverClient creates a River client with registered workers and the
// periodic stale task sweep.
func (c *DatabaseClients) InitRiverClient(workers *river.Workers, cfg config.RiverConfig, sweepInterval time.Duration) error {
	riverClient, err := river.NewClient(riverpgxv5.New(c.Pool), &river.Config{
		Queues:                      jobs.Queues(cfg.MaxWorkers),
		Workers:                     workers,
		PeriodicJobs:                []*river.PeriodicJob{jobs.PeriodicSweep(sweepInterval)},
		CompletedJobRetentionPeriod: cfg.CompletedJobRetentionPeriod,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	c.RiverClient = riverClient
	logger.Info("River client initialized",
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Duration("sweep_interval", sweepInterval),
	)
	return nil
}

// Close closes the connection pool.
func (c *DatabaseClients) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}
