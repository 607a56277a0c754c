package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/riverqueue/river"

	"gnt-shepherd.io/shepherd/internal/config"
	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/governance/audit"
	"gnt-shepherd.io/shepherd/internal/infrastructure"
	"gnt-shepherd.io/shepherd/internal/pkg/worker"
	"gnt-shepherd.io/shepherd/internal/quota"
	"gnt-shepherd.io/shepherd/internal/store/pgstore"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config      *config.Config
	DB          *infrastructure.DatabaseClients
	Pools       *worker.Pools
	Pool        *pgxpool.Pool
	RiverClient *river.Client[pgx.Tx]
	Store       *pgstore.Store
	Ledger      *quota.Ledger
	Dispatcher  *domain.EventDispatcher
	AuditLogger *audit.Logger
	Registry    *prometheus.Registry
}

// NewInfrastructure initializes DB/pools and shared services.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		BackendPoolSize: cfg.Worker.BackendPoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		pools,
	)

	return &Infrastructure{
		Config:      cfg,
		DB:          db,
		Pools:       pools,
		Pool:        db.Pool,
		Store:       pgstore.New(db.Pool),
		Ledger:      quota.NewLedger(quota.NewPGHolder(db.Pool, cfg.Quota.DefaultLimits)),
		Dispatcher:  domain.NewEventDispatcher(),
		AuditLogger: audit.NewLogger(db.Pool),
		Registry:    reg,
	}, nil
}

// InitRiver initializes River client on top of a prepared worker registry.
func (i *Infrastructure) InitRiver(workers *river.Workers) error {
	if i == nil || i.DB == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if err := i.DB.InitRiverClient(workers, i.Config.River, i.Config.Reconcile.SweepInterval); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
