package jobs

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/reconcile"
)

// ReconcileArgs carries one job notification.
type ReconcileArgs struct {
	Notification domain.JobNotification `json:"notification"`
}

// Kind returns the job kind identifier for notification reconciliation.
func (ReconcileArgs) Kind() string { return "reconcile_notification" }

// InsertOpts returns default insert options for reconcile jobs.
func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueReconcile,
		MaxAttempts: 5,
	}
}

// Applier applies a notification to the VM it names.
type Applier interface {
	Apply(ctx context.Context, n domain.JobNotification) (reconcile.Outcome, error)
}

// ReconcileWorker applies queued notifications.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	applier Applier
}

// NewReconcileWorker creates a ReconcileWorker.
func NewReconcileWorker(applier Applier) *ReconcileWorker {
	return &ReconcileWorker{applier: applier}
}

// Work applies the notification. Errors that a retry cannot fix cancel
// the job; anything else is retried by River.
func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	n := job.Args.Notification

	outcome, err := w.applier.Apply(ctx, n)
	if err != nil {
		switch apperrors.KindOf(err) {
		case apperrors.KindResolve, apperrors.KindValidation:
			logger.Error("Notification cannot be applied, giving up",
				zap.String("instance", n.Instance),
				zap.Int64("job_id", n.JobID),
				zap.String("status", n.Status),
				zap.Error(err),
			)
			return river.JobCancel(err)
		}
		return fmt.Errorf("apply notification of job %d for %s: %w", n.JobID, n.Instance, err)
	}

	logger.Debug("Notification reconciled",
		zap.String("instance", n.Instance),
		zap.Int64("job_id", n.JobID),
		zap.String("status", n.Status),
		zap.String("outcome", string(outcome)),
		zap.Int64("attempt", int64(job.Attempt)),
	)
	return nil
}
