// Package eventd watches the backend job queue directory and publishes one
// notification per job operation each time a job file is written.
//
// Delivery is best effort: events that arrive while the daemon is down are
// not recovered, and a failed publish is logged and dropped.
package eventd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/bus"
	"gnt-shepherd.io/shepherd/internal/jobfile"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

// Event results recorded in eventd_events_total.
const (
	ResultIgnored     = "ignored"
	ResultReadError   = "read_error"
	ResultDecodeError = "decode_error"
	ResultPublished   = "published"
)

// Config selects what the daemon watches and where it publishes.
type Config struct {
	QueueDir  string
	JobPrefix string
	Subject   string
}

// Daemon carries everything the watch loop needs.
type Daemon struct {
	cfg       Config
	logger    *zap.Logger
	publisher bus.Publisher
	metrics   *Metrics
	readFile  func(string) ([]byte, error)
}

// New creates a daemon. metrics may be nil.
func New(cfg Config, publisher bus.Publisher, logger *zap.Logger, metrics *Metrics) *Daemon {
	if cfg.JobPrefix == "" {
		cfg.JobPrefix = jobfile.DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		cfg:       cfg,
		logger:    logger,
		publisher: publisher,
		metrics:   metrics,
		readFile:  os.ReadFile,
	}
}

// HandleFile processes one queue directory entry. Failures never escape:
// the event is logged, counted and dropped.
func (d *Daemon) HandleFile(ctx context.Context, name string) {
	if !jobfile.IsJobFile(name, d.cfg.JobPrefix) {
		d.logger.Debug("ignoring non-job file", zap.String("name", name))
		d.metrics.event(ResultIgnored)
		return
	}

	path := filepath.Join(d.cfg.QueueDir, name)
	data, err := d.readFile(path)
	if err != nil {
		err = apperrors.IOTransient(err, path)
		d.logger.Warn("cannot read job file", zap.String("path", path), zap.Error(err))
		d.metrics.event(ResultReadError)
		return
	}

	job, err := jobfile.Decode(data)
	if err != nil {
		d.logger.Error("cannot decode job file", zap.String("path", path), zap.Error(err))
		d.metrics.event(ResultDecodeError)
		return
	}

	d.logger.Debug("job file changed",
		zap.String("path", path),
		zap.Int64("job_id", job.ID),
		zap.Int("ops", len(job.Ops)),
	)

	for _, n := range job.Notifications() {
		payload, err := json.Marshal(n)
		if err != nil {
			d.logger.Error("cannot encode notification", zap.Int64("job_id", n.JobID), zap.Error(err))
			continue
		}
		if err := d.publisher.Publish(ctx, d.cfg.Subject, payload); err != nil {
			d.logger.Error("publish failed",
				zap.String("subject", d.cfg.Subject),
				zap.Int64("job_id", n.JobID),
				zap.String("operation", n.Operation),
				zap.Error(err),
			)
			d.metrics.publishError()
			continue
		}
		d.logger.Info("published job notification",
			zap.Int64("job_id", n.JobID),
			zap.String("instance", n.Instance),
			zap.String("operation", n.Operation),
			zap.String("status", n.Status),
		)
		d.metrics.published(n.Status)
	}
	d.metrics.event(ResultPublished)
}

// Replay handles every job file already present in the queue directory,
// oldest name first. It is an operator tool for recovering after downtime.
func (d *Daemon) Replay(ctx context.Context) error {
	entries, err := os.ReadDir(d.cfg.QueueDir)
	if err != nil {
		return apperrors.IOTransient(err, d.cfg.QueueDir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && jobfile.IsJobFile(e.Name(), d.cfg.JobPrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	d.logger.Info("replaying job files", zap.Int("count", len(names)))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		d.HandleFile(ctx, name)
	}
	return nil
}
