// Package ext defines the extension system for jobq.
// Extensions are notified of lifecycle events (job enqueued, completed,
// retrying, dead, etc.) and can react to them with logging or metrics.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is durably accepted by the backend.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called when an attempt fails and the job has budget left.
// j carries the updated Attempts and RetryAfter.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, err error) error
}

// JobDead is called when a job exhausts its attempt budget.
type JobDead interface {
	OnJobDead(ctx context.Context, j *job.Job, err error) error
}

// ──────────────────────────────────────────────────
// Maintenance hooks
// ──────────────────────────────────────────────────

// JobsReaped is called after a reap pass that changed anything.
type JobsReaped interface {
	OnJobsReaped(ctx context.Context, requeued, expired, dead int) error
}

// JobReplayed is called when a dead job is replayed as a new job.
type JobReplayed interface {
	OnJobReplayed(ctx context.Context, deadID, newID id.JobID) error
}

// JobsPurged is called after terminal jobs were deleted.
type JobsPurged interface {
	OnJobsPurged(ctx context.Context, state job.State, n int64) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
