package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/app/modules"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
)

// Start starts the River workers, then the modules that feed them.
func (a *Application) Start(ctx context.Context) error {
	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, jobs will now be consumed")
	}
	for _, mod := range a.Modules {
		starter, ok := mod.(modules.Starter)
		if !ok {
			continue
		}
		if err := starter.Start(ctx); err != nil {
			return fmt.Errorf("start module %s: %w", mod.Name(), err)
		}
	}
	return nil
}

// Shutdown gracefully shuts down all application components. Modules stop
// first so no new jobs are enqueued while River drains.
func (a *Application) Shutdown() {
	shutdownCtx := context.Background()

	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(shutdownCtx); err != nil {
			logger.Warn("module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
		logger.Info("River client stopped")
	}

	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
