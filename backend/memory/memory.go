// Package memory is an in-process backend for tests and development. It
// applies the same state machine as the persistent backends and is safe
// for concurrent use.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/backoff"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Kind is the backend name reported by Name.
const Kind = "memory"

var (
	_ backend.Backend  = (*Backend)(nil)
	_ backend.Migrator = (*Backend)(nil)
)

// Backend stores jobs in a map guarded by a mutex.
type Backend struct {
	mu     sync.Mutex
	jobs   map[string]*job.Job
	closed bool
	down   bool

	bo     backoff.Strategy
	lease  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures the Backend.
type Option func(*Backend)

// WithBackoff sets the retry schedule applied by Fail.
func WithBackoff(s backoff.Strategy) Option {
	return func(b *Backend) { b.bo = s }
}

// WithVisibilityTimeout sets the lease granted by Claim and Heartbeat.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Backend) { b.lease = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// New returns an empty Backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		jobs:   make(map[string]*job.Job),
		bo:     backoff.DefaultStrategy(),
		lease:  5 * time.Minute,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetUnavailable simulates an outage: while down, every operation fails
// with jobq.ErrBackendUnavailable.
func (b *Backend) SetUnavailable(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return Kind }

// Migrate is a no-op.
func (b *Backend) Migrate(context.Context) error { return nil }

// Ping reports the simulated availability.
func (b *Backend) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.check("ping")
}

// Close marks the backend closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// check must be called with mu held.
func (b *Backend) check(op string) error {
	if b.closed {
		return fmt.Errorf("jobq/memory: %s: %w", op, jobq.ErrBackendClosed)
	}
	if b.down {
		return jobq.Unavailable("jobq/memory: "+op, errSimulatedOutage)
	}
	return nil
}

var errSimulatedOutage = errors.New("simulated outage")

// get must be called with mu held.
func (b *Backend) get(jobID id.JobID) (*job.Job, error) {
	j, ok := b.jobs[jobID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobq.ErrJobNotFound, jobID)
	}
	return j, nil
}

// Enqueue stores a copy of j.
func (b *Backend) Enqueue(_ context.Context, j *job.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("enqueue"); err != nil {
		return err
	}
	key := j.ID.String()
	if _, exists := b.jobs[key]; exists {
		return fmt.Errorf("jobq/memory: enqueue %s: %w: duplicate id", key, jobq.ErrInvalidJob)
	}
	b.jobs[key] = j.Clone()
	return nil
}

// Claim picks the oldest claimable jobs across queues.
func (b *Backend) Claim(_ context.Context, queues []string, limit int, worker id.WorkerID) ([]*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("claim"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []*job.Job{}, nil
	}

	now := b.now()
	candidates := make([]*job.Job, 0)
	for _, j := range b.jobs {
		if len(queues) > 0 && !slices.Contains(queues, j.Queue) {
			continue
		}
		if j.Claimable(now) {
			candidates = append(candidates, j)
		}
	}
	sortOldestFirst(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*job.Job, 0, len(candidates))
	for _, j := range candidates {
		if err := j.Claim(worker, now, b.lease); err != nil {
			return nil, err
		}
		out = append(out, j.Clone())
	}
	return out, nil
}

// MarkRunning moves a claimed job to running.
func (b *Backend) MarkRunning(_ context.Context, jobID id.JobID, worker id.WorkerID) error {
	return b.update("mark running", jobID, func(j *job.Job, now time.Time) error {
		return j.MarkRunning(worker, now)
	})
}

// Heartbeat extends the lease.
func (b *Backend) Heartbeat(_ context.Context, jobID id.JobID, worker id.WorkerID) error {
	return b.update("heartbeat", jobID, func(j *job.Job, now time.Time) error {
		return j.Extend(worker, now, b.lease)
	})
}

// Acknowledge completes the job held by worker; repeated calls are no-ops.
func (b *Backend) Acknowledge(_ context.Context, jobID id.JobID, worker id.WorkerID) error {
	return b.update("acknowledge", jobID, func(j *job.Job, now time.Time) error {
		_, err := j.Complete(worker, now)
		return err
	})
}

// Fail records a failed attempt.
func (b *Backend) Fail(_ context.Context, jobID id.JobID, worker id.WorkerID, reason string) (*job.Job, error) {
	var out *job.Job
	err := b.update("fail", jobID, func(j *job.Job, now time.Time) error {
		if err := j.Fail(worker, now, reason, b.bo); err != nil {
			return err
		}
		out = j.Clone()
		return nil
	})
	return out, err
}

func (b *Backend) update(op string, jobID id.JobID, fn func(*job.Job, time.Time) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(op); err != nil {
		return err
	}
	j, err := b.get(jobID)
	if err != nil {
		return err
	}
	return fn(j, b.now())
}

// Inspect returns a snapshot.
func (b *Backend) Inspect(_ context.Context, jobID id.JobID) (*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("inspect"); err != nil {
		return nil, err
	}
	j, err := b.get(jobID)
	if err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

// List returns matching jobs, oldest first.
func (b *Backend) List(_ context.Context, opts backend.ListOpts) ([]*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("list"); err != nil {
		return nil, err
	}
	matched := make([]*job.Job, 0)
	for _, j := range b.jobs {
		if opts.Matches(j) {
			matched = append(matched, j)
		}
	}
	sortOldestFirst(matched)
	page := backend.Page(matched, opts.Offset, opts.Limit)
	out := make([]*job.Job, len(page))
	for i, j := range page {
		out[i] = j.Clone()
	}
	return out, nil
}

// Count returns the number of matching jobs.
func (b *Backend) Count(_ context.Context, opts backend.CountOpts) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("count"); err != nil {
		return 0, err
	}
	var n int64
	for _, j := range b.jobs {
		if opts.Matches(j) {
			n++
		}
	}
	return n, nil
}

// Delete removes a terminal job.
func (b *Backend) Delete(_ context.Context, jobID id.JobID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("delete"); err != nil {
		return err
	}
	j, err := b.get(jobID)
	if err != nil {
		return err
	}
	if !j.State.Terminal() {
		return fmt.Errorf("%w: delete job %s in state %s", jobq.ErrInvalidState, jobID, j.State)
	}
	delete(b.jobs, jobID.String())
	return nil
}

// Reap requeues due failed jobs and fails expired claims.
func (b *Backend) Reap(_ context.Context) (backend.ReapResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res backend.ReapResult
	if err := b.check("reap"); err != nil {
		return res, err
	}
	now := b.now()
	for _, j := range b.jobs {
		switch {
		case j.State == job.StateFailed && j.Claimable(now):
			if err := j.Requeue(now); err == nil {
				res.Requeued++
			}
		case j.LeaseExpired(now):
			if err := j.Fail(id.Nil, now, backend.ReasonLeaseExpired, b.bo); err != nil {
				continue
			}
			res.Expired++
			if j.State == job.StateDead {
				res.Dead++
			}
			b.logger.Warn("lease expired", "job_id", j.ID.String(), "queue", j.Queue, "attempts", j.Attempts)
		}
	}
	return res, nil
}

// Purge deletes terminal jobs.
func (b *Backend) Purge(_ context.Context, opts backend.PurgeOpts) (int64, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("purge"); err != nil {
		return 0, err
	}
	var n int64
	for key, j := range b.jobs {
		if j.State != opts.State || (opts.Queue != "" && j.Queue != opts.Queue) {
			continue
		}
		if !opts.Before.IsZero() && !j.UpdatedAt.Before(opts.Before) {
			continue
		}
		delete(b.jobs, key)
		n++
	}
	return n, nil
}

// sortOldestFirst orders by CreatedAt, then by ID, which is time-ordered.
func sortOldestFirst(jobs []*job.Job) {
	slices.SortFunc(jobs, func(a, c *job.Job) int {
		if cmp := a.CreatedAt.Compare(c.CreatedAt); cmp != 0 {
			return cmp
		}
		switch as, cs := a.ID.String(), c.ID.String(); {
		case as < cs:
			return -1
		case as > cs:
			return 1
		}
		return 0
	})
}
