// Package main seeds the gnt-shepherd catalog: flavors, backends, project
// grants, networks with their address pools, rescue images and quota limits.
//
// Every write is idempotent, so the command can be rerun with an edited
// catalog. Existing address pools are kept.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/config"
	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/infrastructure"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/quota"
	"gnt-shepherd.io/shepherd/internal/store/pgstore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		file    string
		migrate bool
	)
	cmd := &cobra.Command{
		Use:           "seed",
		Short:         "Load a catalog file into the control plane database",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return run(c.Context(), file, migrate)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "catalog.yaml", "catalog file")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "create missing tables before seeding")
	return cmd
}

func run(ctx context.Context, file string, migrate bool) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	catalog, err := ParseCatalog(f)
	f.Close()
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if migrate {
		if err := db.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	logger.Info("Starting data seeding...", zap.String("file", file))

	s := &seeder{
		store:  pgstore.New(db.Pool),
		holder: quota.NewPGHolder(db.Pool, cfg.Quota.DefaultLimits),
	}
	if err := s.seed(ctx, catalog); err != nil {
		return err
	}

	logger.Info("Data seeding completed successfully")
	return nil
}

type seeder struct {
	store  *pgstore.Store
	holder *quota.PGHolder
}

func (s *seeder) seed(ctx context.Context, c *Catalog) error {
	for _, f := range c.Flavors {
		if err := s.store.UpsertFlavor(ctx, f.toDomain()); err != nil {
			return err
		}
	}
	logger.Info("Seeded flavors", zap.Int("count", len(c.Flavors)))

	for _, b := range c.Backends {
		if err := s.store.UpsertBackend(ctx, b.toDomain()); err != nil {
			return err
		}
	}
	logger.Info("Seeded backends", zap.Int("count", len(c.Backends)))

	for _, p := range c.Projects {
		for _, id := range p.Backends {
			if err := s.store.GrantBackend(ctx, p.Name, id); err != nil {
				return err
			}
		}
		for _, id := range p.Flavors {
			if err := s.store.GrantFlavor(ctx, p.Name, id); err != nil {
				return err
			}
		}
		for resource, limit := range p.Quota {
			if err := s.holder.SetLimit(ctx, p.Name, resource, limit); err != nil {
				return fmt.Errorf("set quota %s for %s: %w", resource, p.Name, err)
			}
		}
		logger.Info("Seeded project",
			zap.String("project", p.Name),
			zap.Int("backends", len(p.Backends)),
			zap.Int("flavors", len(p.Flavors)),
			zap.Int("quota_limits", len(p.Quota)),
		)
	}

	for _, n := range c.Networks {
		pool, err := n.buildPool()
		if err != nil {
			return fmt.Errorf("network %d: %w", n.ID, err)
		}
		err = s.store.UpsertNetwork(ctx, domain.Network{
			ID:          n.ID,
			Name:        n.Name,
			BackendName: n.BackendName,
			Subnet:      n.Subnet,
			Gateway:     n.Gateway,
			Pool:        pool,
		})
		if err != nil {
			return err
		}
		for _, id := range n.Ports {
			if err := s.store.UpsertPort(ctx, domain.Port{ID: id, NetworkID: n.ID}); err != nil {
				return err
			}
		}
		logger.Info("Seeded network",
			zap.Int64("network_id", n.ID),
			zap.Bool("pool", pool != nil),
			zap.Int("ports", len(n.Ports)),
		)
	}

	for _, img := range c.RescueImages {
		if err := s.store.UpsertRescueImage(ctx, img.toDomain()); err != nil {
			return err
		}
	}
	logger.Info("Seeded rescue images", zap.Int("count", len(c.RescueImages)))
	return nil
}
