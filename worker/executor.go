// Package worker runs claimed jobs. An Executor takes one claimed job to
// an outcome (acknowledged, retrying or dead) through the middleware
// chain; a Pool runs many slots that claim and execute jobs concurrently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/backoff"
	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/middleware"
)

const (
	// recordTimeout bounds one attempt at writing a job outcome.
	recordTimeout = 10 * time.Second
	// recordAttempts is how often an outcome write is tried while the
	// backend is unavailable. After that the lease expiry recovers the job.
	recordAttempts = 5
)

// Executor runs a single claimed job through middleware and the
// registered handler, then records the outcome on the backend and emits
// lifecycle events.
type Executor struct {
	backend    backend.Backend
	registry   *job.Registry
	extensions *ext.Registry
	mw         middleware.Middleware
	workerID   id.WorkerID
	reconnect  backoff.Strategy
	logger     *slog.Logger
}

// NewExecutor creates an Executor that records outcomes as workerID.
func NewExecutor(
	b backend.Backend,
	registry *job.Registry,
	extensions *ext.Registry,
	workerID id.WorkerID,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	return &Executor{
		backend:    b,
		registry:   registry,
		extensions: extensions,
		mw:         middleware.Chain(mws...),
		workerID:   workerID,
		reconnect:  backoff.DefaultReconnect(),
		logger:     logger,
	}
}

// WorkerID returns the identity the executor claims and records as.
func (e *Executor) WorkerID() id.WorkerID { return e.workerID }

// Execute runs a claimed job. Handler failures are recorded on the
// backend and not returned; the returned error reports only that the
// outcome could not be recorded.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Queue)
	if !ok {
		e.logger.Error("no handler registered for queue",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
		)
		return e.fail(ctx, j, fmt.Errorf("%w for queue %q", jobq.ErrNoHandlerRegistered, j.Queue))
	}

	if err := e.backend.MarkRunning(ctx, j.ID, e.workerID); err != nil {
		if errors.Is(err, jobq.ErrInvalidState) || errors.Is(err, jobq.ErrJobNotFound) {
			// The lease ran out before we started and the job moved on.
			e.lostClaim(j, err)
			return nil
		}
		return fmt.Errorf("mark running %s: %w", j.ID, err)
	}
	j.State = job.StateRunning
	e.extensions.EmitJobStarted(ctx, j)

	start := time.Now()
	err := e.mw(ctx, j, func(ctx context.Context) error {
		return handler(ctx, j.Payload)
	})
	elapsed := time.Since(start)

	if err != nil {
		return e.fail(ctx, j, &jobq.HandlerError{Queue: j.Queue, JobID: j.ID, Err: err})
	}
	return e.complete(ctx, j, elapsed)
}

func (e *Executor) complete(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	err := e.record(ctx, func(ctx context.Context) error {
		return e.backend.Acknowledge(ctx, j.ID, e.workerID)
	})
	if errors.Is(err, jobq.ErrInvalidState) {
		e.lostClaim(j, err)
		return nil
	}
	if err != nil {
		e.logger.Error("failed to acknowledge job",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.String("error", err.Error()),
		)
		return err
	}
	j.State = job.StateCompleted
	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

func (e *Executor) fail(ctx context.Context, j *job.Job, cause error) error {
	var updated *job.Job
	err := e.record(ctx, func(ctx context.Context) error {
		var err error
		updated, err = e.backend.Fail(ctx, j.ID, e.workerID, cause.Error())
		return err
	})
	if errors.Is(err, jobq.ErrInvalidState) {
		e.lostClaim(j, err)
		return nil
	}
	if err != nil {
		e.logger.Error("failed to record job failure",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if updated.State == job.StateDead {
		e.logger.Warn("job is dead after exhausting attempts",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempts", updated.Attempts),
			slog.String("error", cause.Error()),
		)
		e.extensions.EmitJobDead(ctx, updated, cause)
		return nil
	}

	attrs := []any{
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.Int("attempt", updated.Attempts),
		slog.Int("max_attempts", updated.MaxAttempts),
	}
	if updated.RetryAfter != nil {
		attrs = append(attrs, slog.Time("retry_after", *updated.RetryAfter))
	}
	e.logger.Info("job scheduled for retry", attrs...)
	e.extensions.EmitJobRetrying(ctx, updated, cause)
	return nil
}

// lostClaim logs an outcome dropped because the lease expired and the job
// was reaped, and possibly claimed by another worker, in the meantime.
func (e *Executor) lostClaim(j *job.Job, err error) {
	e.logger.Warn("lost claim on job",
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.String("worker_id", e.workerID.String()),
		slog.String("error", err.Error()),
	)
}

// record writes an outcome, retrying while the backend is unavailable. It
// runs detached from ctx cancellation so a job finishing during shutdown
// is still recorded.
func (e *Executor) record(ctx context.Context, fn func(context.Context) error) error {
	base := context.WithoutCancel(ctx)
	return backoff.Retry(base, e.reconnect, recordAttempts, jobq.IsUnavailable, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, recordTimeout)
		defer cancel()
		return fn(ctx)
	})
}
