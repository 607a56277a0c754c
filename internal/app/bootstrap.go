// Package app is the composition root of the server.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/riverqueue/river"

	"gnt-shepherd.io/shepherd/internal/api/handlers"
	"gnt-shepherd.io/shepherd/internal/app/modules"
	"gnt-shepherd.io/shepherd/internal/config"
	"gnt-shepherd.io/shepherd/internal/infrastructure"
	"gnt-shepherd.io/shepherd/internal/pkg/worker"
)

// Application holds composed application dependencies.
type Application struct {
	Config   *config.Config
	Router   *gin.Engine
	DB       *infrastructure.DatabaseClients
	Pools    *worker.Pools
	Registry *prometheus.Registry
	Modules  []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	vmModule, err := modules.NewVMModule(infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init vm module: %w", err)
	}
	reconcileModule, err := modules.NewReconcileModule(infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init reconcile module: %w", err)
	}

	allModules := []modules.Module{
		modules.NewGovernanceModule(infra),
		vmModule,
		reconcileModule,
	}

	workers := river.NewWorkers()
	for _, mod := range allModules {
		mod.RegisterWorkers(workers)
	}
	if err := infra.InitRiver(workers); err != nil {
		_ = reconcileModule.Shutdown(ctx)
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	server := handlers.NewServer(modules.NewServerDeps(allModules))

	return &Application{
		Config:   cfg,
		Router:   newRouter(cfg, server, infra.Registry),
		DB:       infra.DB,
		Pools:    infra.Pools,
		Registry: infra.Registry,
		Modules:  allModules,
	}, nil
}
