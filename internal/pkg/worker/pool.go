// Package worker runs server-side background work on bounded ants pools.
//
// Two pools exist. General runs short bookkeeping; Backend runs work that
// ends in a database queue insert or a cluster RPC, such as ingesting bus
// notifications. Every task gets a context: either the submitter's or the
// service context, which is cancelled on Shutdown.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting after Shutdown.
var ErrPoolClosed = errors.New("worker pool is closed")

// PoolName selects a pool.
type PoolName string

const (
	PoolGeneral PoolName = "general"
	PoolBackend PoolName = "backend"
)

const shutdownTimeout = 30 * time.Second

// Task is a unit of work. It should return promptly once ctx is done.
type Task func(ctx context.Context)

// Pool is one named ants pool.
type Pool struct {
	pool *ants.Pool
	name PoolName
}

// Pools holds the general and backend pools.
type Pools struct {
	General *Pool
	Backend *Pool

	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// PoolConfig sizes the pools.
type PoolConfig struct {
	GeneralPoolSize int
	BackendPoolSize int
}

// DefaultPoolConfig matches the configuration defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{GeneralPoolSize: 100, BackendPoolSize: 50}
}

func newPool(name PoolName, size int, expiry time.Duration) (*Pool, error) {
	p, err := ants.NewPool(size,
		ants.WithPanicHandler(func(v interface{}) {
			logger.Error("Worker panic recovered",
				zap.String("pool", string(name)),
				zap.Any("panic", v),
				zap.Stack("stack"),
			)
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(expiry),
	)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p, name: name}, nil
}

// NewPools creates both pools. ctx bounds the service context handed to
// detached tasks.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	general, err := newPool(PoolGeneral, cfg.GeneralPoolSize, 10*time.Second)
	if err != nil {
		return nil, err
	}
	backend, err := newPool(PoolBackend, cfg.BackendPoolSize, 30*time.Second)
	if err != nil {
		general.pool.Release()
		return nil, err
	}

	serviceCtx, serviceCancel := context.WithCancel(ctx)
	return &Pools{
		General:       general,
		Backend:       backend,
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// Submit runs task with the caller's ctx. A ctx that is already done is
// returned as the error; a ctx cancelled while queued skips the task.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.submit(ctx, task)
}

func (p *Pool) submit(ctx context.Context, task Task) error {
	err := p.pool.Submit(func() {
		if ctx.Err() != nil {
			logger.Debug("Task skipped: context done",
				zap.String("pool", string(p.name)),
				zap.Error(ctx.Err()),
			)
			return
		}
		task(ctx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Get returns the named pool, General for unknown names.
func (p *Pools) Get(name PoolName) *Pool {
	if name == PoolBackend {
		return p.Backend
	}
	return p.General
}

// SubmitDetached runs task on the named pool with the service context, so
// it outlives the submitter but stops at Shutdown.
func (p *Pools) SubmitDetached(name PoolName, task Task) error {
	return p.Get(name).submit(p.serviceCtx, task)
}

// Shutdown cancels the service context and waits for running tasks.
func (p *Pools) Shutdown() {
	p.serviceCancel()
	for _, pool := range []*Pool{p.General, p.Backend} {
		if err := pool.pool.ReleaseTimeout(shutdownTimeout); err != nil {
			logger.Warn("Worker pool shutdown timeout",
				zap.String("pool", string(pool.name)),
				zap.Error(err),
			)
		}
	}
}

var (
	runningDesc = prometheus.NewDesc(
		"shepherd_worker_pool_running",
		"Tasks currently running in the worker pool.",
		[]string{"pool"}, nil,
	)
	capacityDesc = prometheus.NewDesc(
		"shepherd_worker_pool_capacity",
		"Worker pool capacity.",
		[]string{"pool"}, nil,
	)
	waitingDesc = prometheus.NewDesc(
		"shepherd_worker_pool_waiting",
		"Submitters blocked on a full worker pool.",
		[]string{"pool"}, nil,
	)
)

// Describe implements prometheus.Collector.
func (p *Pools) Describe(ch chan<- *prometheus.Desc) {
	ch <- runningDesc
	ch <- capacityDesc
	ch <- waitingDesc
}

// Collect implements prometheus.Collector.
func (p *Pools) Collect(ch chan<- prometheus.Metric) {
	for _, pool := range []*Pool{p.General, p.Backend} {
		name := string(pool.name)
		ch <- prometheus.MustNewConstMetric(runningDesc, prometheus.GaugeValue, float64(pool.pool.Running()), name)
		ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(pool.pool.Cap()), name)
		ch <- prometheus.MustNewConstMetric(waitingDesc, prometheus.GaugeValue, float64(pool.pool.Waiting()), name)
	}
}
