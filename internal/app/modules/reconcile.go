package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/api/handlers"
	"gnt-shepherd.io/shepherd/internal/bus"
	"gnt-shepherd.io/shepherd/internal/ingest"
	"gnt-shepherd.io/shepherd/internal/jobs"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/reconcile"
)

// ReconcileModule consumes job notifications from the bus and applies them
// through River.
type ReconcileModule struct {
	infra      *Infrastructure
	reconciler *reconcile.Reconciler
	sweeper    *jobs.StaleTaskSweepWorker
	subscriber *bus.Subscriber
}

// NewReconcileModule connects to the bus. Subscribing waits for Start.
func NewReconcileModule(infra *Infrastructure) (*ReconcileModule, error) {
	cfg := infra.Config
	sub, err := bus.NewSubscriber(cfg.Bus.URL, cfg.Bus.ClientName, logger.With(zap.String("component", "bus")))
	if err != nil {
		return nil, fmt.Errorf("init bus subscriber: %w", err)
	}

	reconciler := reconcile.New(infra.Store, infra.Ledger, cfg.Backend.InstancePrefix).
		WithDispatcher(infra.Dispatcher).
		WithMetrics(reconcile.NewMetrics(infra.Registry))

	sweeper := jobs.NewStaleTaskSweepWorker(infra.Store, cfg.Reconcile.StaleTaskAfter,
		jobs.NewSweepMetrics(infra.Registry))

	return &ReconcileModule{
		infra:      infra,
		reconciler: reconciler,
		sweeper:    sweeper,
		subscriber: sub,
	}, nil
}

func (m *ReconcileModule) Name() string { return "reconcile" }

func (m *ReconcileModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.ReadinessChecks["bus"] = m.subscriber
}

func (m *ReconcileModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil {
		return
	}
	jobs.RegisterWorkers(workers, jobs.NewReconcileWorker(m.reconciler), m.sweeper)
}

// Start subscribes to the notification subject. Messages are handed to the
// backend worker pool and enqueued on River.
func (m *ReconcileModule) Start(context.Context) error {
	if m.infra.RiverClient == nil {
		return fmt.Errorf("river client is not initialized")
	}
	ing := ingest.New(m.infra.RiverClient, m.infra.Pools)
	subject := m.infra.Config.Bus.Subject()
	if err := m.subscriber.Subscribe(subject, ing.Handle); err != nil {
		return err
	}
	logger.Info("Consuming job notifications", zap.String("subject", subject))
	return nil
}

func (m *ReconcileModule) Shutdown(context.Context) error {
	m.subscriber.Close()
	return nil
}
