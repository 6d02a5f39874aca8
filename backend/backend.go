// Package backend defines the contract every job queue backend implements.
//
// Three implementations exist: backend/postgres (kind "buffered-db"),
// backend/redis (kind "broker") and backend/memory (kind "memory"). They
// share the state machine in package job, so a job observed through any of
// them moves through the same states with the same retry schedule.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Backend persists and delivers jobs.
type Backend interface {
	// Name returns the backend kind ("buffered-db", "broker", "memory").
	Name() string

	// Enqueue persists a job built by job.New. It never runs a handler.
	// A store or broker that cannot accept the write yields an error
	// matching jobq.ErrBackendUnavailable.
	Enqueue(ctx context.Context, j *job.Job) error

	// Claim atomically moves up to limit claimable jobs from the given
	// queues to claimed, owned by worker. It returns an empty slice when
	// nothing is claimable and never hands the same job to two callers.
	Claim(ctx context.Context, queues []string, limit int, worker id.WorkerID) ([]*job.Job, error)

	// MarkRunning records that worker started the handler.
	MarkRunning(ctx context.Context, jobID id.JobID, worker id.WorkerID) error

	// Heartbeat extends the visibility window of a held job.
	Heartbeat(ctx context.Context, jobID id.JobID, worker id.WorkerID) error

	// Acknowledge marks the job completed. Acknowledging a completed job is
	// a no-op. A worker that no longer holds the job gets an error matching
	// jobq.ErrInvalidState; a nil worker skips the ownership check.
	Acknowledge(ctx context.Context, jobID id.JobID, worker id.WorkerID) error

	// Fail records a failed attempt by worker and returns the updated job,
	// which is either failed (retry scheduled) or dead. Ownership is checked
	// as in Acknowledge.
	Fail(ctx context.Context, jobID id.JobID, worker id.WorkerID, reason string) (*job.Job, error)

	// Inspect returns a snapshot of the job or jobq.ErrJobNotFound.
	Inspect(ctx context.Context, jobID id.JobID) (*job.Job, error)

	// List returns jobs matching opts, oldest first.
	List(ctx context.Context, opts ListOpts) ([]*job.Job, error)

	// Count returns the number of jobs matching opts.
	Count(ctx context.Context, opts CountOpts) (int64, error)

	// Delete removes a job. Only terminal jobs may be deleted.
	Delete(ctx context.Context, jobID id.JobID) error

	// Reap requeues failed jobs whose backoff has expired and fails jobs
	// whose lease (visibility window) has expired.
	Reap(ctx context.Context) (ReapResult, error)

	// Purge deletes terminal jobs matching opts and returns how many.
	Purge(ctx context.Context, opts PurgeOpts) (int64, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases connections. Calls after Close fail with
	// jobq.ErrBackendClosed.
	Close() error
}

// ClaimLimiter is implemented by backends that can serve only a bounded
// number of concurrent Claim calls, such as a database with a small
// connection pool. The worker pool never runs more concurrent claims than
// ClaimConcurrency reports.
type ClaimLimiter interface {
	ClaimConcurrency() int
}

// Migrator is implemented by backends with a schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// ListOpts filters and paginates List.
type ListOpts struct {
	// State filters by state. Empty means all states.
	State job.State
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts filters Count.
type CountOpts struct {
	State job.State
	Queue string
}

// PurgeOpts selects terminal jobs to delete.
type PurgeOpts struct {
	// State must be job.StateCompleted or job.StateDead.
	State job.State
	// Queue limits the purge to one queue. Empty means all queues.
	Queue string
	// Before deletes only jobs last updated before this time. Zero means
	// no age limit.
	Before time.Time
}

// Validate checks that opts names a terminal state.
func (o PurgeOpts) Validate() error {
	if !o.State.Terminal() {
		return fmt.Errorf("%w: purge requires a terminal state, got %q", jobq.ErrInvalidState, o.State)
	}
	return nil
}

// ReapResult reports what one Reap pass did.
type ReapResult struct {
	// Requeued is the number of failed jobs moved back to pending.
	Requeued int
	// Expired is the number of claims whose lease ran out and that were
	// failed with ReasonLeaseExpired.
	Expired int
	// Dead is how many of the expired claims exhausted their budget.
	Dead int
}

// ReasonLeaseExpired is the failure reason recorded when a claim outlives
// its visibility window.
const ReasonLeaseExpired = "visibility window expired"

// Matches reports whether j satisfies the state and queue filters.
func (o ListOpts) Matches(j *job.Job) bool {
	return (o.State == "" || j.State == o.State) && (o.Queue == "" || j.Queue == o.Queue)
}

// Matches reports whether j satisfies the filters.
func (o CountOpts) Matches(j *job.Job) bool {
	return ListOpts{State: o.State, Queue: o.Queue}.Matches(j)
}

// Page applies Offset and Limit to a slice already in list order.
func Page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
