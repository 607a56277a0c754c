package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/store"
)

const (
	// DefaultStaleTaskAfter is how long a task may wait for its job before it is reported.
	DefaultStaleTaskAfter = time.Hour
	// DefaultSweepInterval is how often the sweep runs.
	DefaultSweepInterval = time.Hour
)

// StaleTaskSweepArgs is a periodic job reporting tasks and commissions
// that never got a terminal notification.
type StaleTaskSweepArgs struct{}

// Kind returns the job kind identifier for the stale task sweep.
func (StaleTaskSweepArgs) Kind() string { return "stale_task_sweep" }

// InsertOpts ensures at most one sweep is enqueued per interval.
func (StaleTaskSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: 10 * time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// SweepMetrics exposes the last sweep's findings.
type SweepMetrics struct {
	staleTasks     prometheus.Gauge
	indoubtSerials prometheus.Gauge
}

// NewSweepMetrics creates the gauges and registers them on reg.
func NewSweepMetrics(reg prometheus.Registerer) *SweepMetrics {
	m := &SweepMetrics{
		staleTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shepherd_stale_tasks",
			Help: "VMs whose pending task outlived the stale threshold at the last sweep",
		}),
		indoubtSerials: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shepherd_indoubt_serials",
			Help: "Pending commission serials older than the stale threshold at the last sweep",
		}),
	}
	reg.MustRegister(m.staleTasks, m.indoubtSerials)
	return m
}

// SweepReport is what one sweep found.
type SweepReport struct {
	StaleTasks     int
	InDoubtSerials int
	// Undelivered counts decided serials the quota holder has not confirmed.
	Undelivered int
}

// StaleTaskSweepWorker reports tasks and serials that look stuck.
type StaleTaskSweepWorker struct {
	river.WorkerDefaults[StaleTaskSweepArgs]
	store      store.Store
	staleAfter time.Duration
	metrics    *SweepMetrics
	now        func() time.Time
}

// NewStaleTaskSweepWorker creates a sweep worker. Non-positive staleAfter
// falls back to one hour. metrics may be nil.
func NewStaleTaskSweepWorker(st store.Store, staleAfter time.Duration, metrics *SweepMetrics) *StaleTaskSweepWorker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleTaskAfter
	}
	return &StaleTaskSweepWorker{
		store:      st,
		staleAfter: staleAfter,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Work runs one sweep.
func (w *StaleTaskSweepWorker) Work(ctx context.Context, _ *river.Job[StaleTaskSweepArgs]) error {
	_, err := w.Sweep(ctx)
	return err
}

// Sweep lists stuck tasks and serials, logs each and updates the gauges.
func (w *StaleTaskSweepWorker) Sweep(ctx context.Context) (SweepReport, error) {
	if w == nil || w.store == nil {
		return SweepReport{}, fmt.Errorf("stale task sweep worker is not initialized")
	}

	cutoff := w.now().UTC().Add(-w.staleAfter)
	var report SweepReport
	err := w.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		vms, err := tx.ListStaleTasks(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("list stale tasks: %w", err)
		}
		for _, vm := range vms {
			logger.Warn("VM task is waiting for its backend job",
				zap.Int64("vm_id", vm.ID),
				zap.String("task", string(vm.Task)),
				zap.Int64("job_id", vm.BackendJobID),
				zap.String("job_status", string(vm.BackendJobStatus)),
				zap.Time("updated_at", vm.UpdatedAt),
			)
		}
		report.StaleTasks = len(vms)

		serials, err := tx.ListUnresolvedSerials(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("list unresolved serials: %w", err)
		}
		for _, cs := range serials {
			if !cs.Pending {
				report.Undelivered++
				logger.Warn("Commission decision not yet delivered to the quota holder",
					zap.Int64("serial", cs.Serial),
					zap.Int64("vm_id", cs.VMID),
					zap.Bool("accept", cs.Accept),
				)
				continue
			}
			report.InDoubtSerials++
			logger.Warn("Commission serial is in doubt",
				zap.Int64("serial", cs.Serial),
				zap.Int64("vm_id", cs.VMID),
				zap.String("name", cs.Name),
				zap.Time("created_at", cs.CreatedAt),
			)
		}
		return nil
	})
	if err != nil {
		return SweepReport{}, err
	}

	if w.metrics != nil {
		w.metrics.staleTasks.Set(float64(report.StaleTasks))
		w.metrics.indoubtSerials.Set(float64(report.InDoubtSerials))
	}
	logger.Info("stale task sweep completed",
		zap.Int("stale_tasks", report.StaleTasks),
		zap.Int("indoubt_serials", report.InDoubtSerials),
		zap.Int("undelivered_serials", report.Undelivered),
		zap.Duration("stale_after", w.staleAfter),
	)
	return report, nil
}

// PeriodicSweep returns the periodic job that runs the sweep every interval
// and once on start.
func PeriodicSweep(interval time.Duration) *river.PeriodicJob {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return StaleTaskSweepArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
