// Package ingest moves job notifications from the bus into the reconcile queue.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/jobs"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/pkg/worker"
)

// Submitter runs tasks off the bus delivery goroutine.
type Submitter interface {
	SubmitDetached(name worker.PoolName, task worker.Task) error
}

// Ingestor decodes bus messages and enqueues them for reconciliation.
type Ingestor struct {
	inserter  jobs.Inserter
	submitter Submitter
}

// New creates an Ingestor.
func New(inserter jobs.Inserter, submitter Submitter) *Ingestor {
	return &Ingestor{inserter: inserter, submitter: submitter}
}

// Handle is a bus.Handler. The message is processed on the backend pool.
func (i *Ingestor) Handle(data []byte) {
	payload := append([]byte(nil), data...)
	if err := i.submitter.SubmitDetached(worker.PoolBackend, func(ctx context.Context) {
		if err := i.Process(ctx, payload); err != nil {
			logger.Error("Failed to enqueue notification", zap.Error(err))
		}
	}); err != nil {
		logger.Error("Failed to submit notification to worker pool", zap.Error(err))
	}
}

// Process decodes one message and inserts a reconcile job. Malformed and
// foreign messages are dropped with a warning and no error.
func (i *Ingestor) Process(ctx context.Context, data []byte) error {
	var n domain.JobNotification
	if err := json.Unmarshal(data, &n); err != nil {
		logger.Warn("Dropping malformed notification", zap.Int("bytes", len(data)), zap.Error(err))
		return nil
	}
	if n.Type != domain.NotificationType {
		logger.Warn("Dropping message of unexpected type", zap.String("type", n.Type))
		return nil
	}
	if n.Instance == "" || n.JobID == 0 {
		logger.Warn("Dropping incomplete notification",
			zap.String("instance", n.Instance),
			zap.Int64("job_id", n.JobID),
		)
		return nil
	}

	if _, err := i.inserter.Insert(ctx, jobs.ReconcileArgs{Notification: n}, nil); err != nil {
		return fmt.Errorf("insert reconcile job for %s job %d: %w", n.Instance, n.JobID, err)
	}
	logger.Debug("Notification enqueued",
		zap.String("instance", n.Instance),
		zap.Int64("job_id", n.JobID),
		zap.String("status", n.Status),
	)
	return nil
}
