// Package jobs defines River Queue job types for async processing.
//
// Notifications are handed to River so that a database outage delays
// reconciliation instead of losing it. The stale task sweep only reports.
package jobs

import (
	"context"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// QueueReconcile is the queue job notifications are reconciled on.
const QueueReconcile = "reconcile"

// Inserter is the subset of the River client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Queues returns the River queue configuration of the server.
func Queues(maxWorkers int) map[string]river.QueueConfig {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return map[string]river.QueueConfig{
		river.QueueDefault: {MaxWorkers: 1},
		QueueReconcile:     {MaxWorkers: maxWorkers},
	}
}

// RegisterWorkers adds every worker of this package to workers.
func RegisterWorkers(workers *river.Workers, reconcileWorker *ReconcileWorker, sweepWorker *StaleTaskSweepWorker) {
	river.AddWorker(workers, reconcileWorker)
	river.AddWorker(workers, sweepWorker)
}
