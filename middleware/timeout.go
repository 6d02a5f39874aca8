package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/job"
)

// Timeout returns middleware that enforces the per-job execution deadline:
// the job's own Timeout, else def. A zero deadline disables the check.
//
// The handler runs in its own goroutine with a cancelled-on-deadline
// context. If it has not returned when the deadline passes it is abandoned
// and the chain returns an error wrapping jobq.ErrTimeout. An abandoned
// handler keeps running until it observes ctx.Done().
func Timeout(def time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		d := j.Timeout
		if d <= 0 {
			d = def
		}
		if d <= 0 {
			return next(ctx)
		}

		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			// Recover above this middleware cannot see panics from here.
			defer func() {
				if r := recover(); r != nil {
					done <- panicError(logger, j, r)
				}
			}()
			done <- next(ctx)
		}()

		select {
		case err := <-done:
			if err != nil && ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w after %s: %w", jobq.ErrTimeout, d, err)
			}
			return err
		case <-ctx.Done():
			if ctx.Err() != context.DeadlineExceeded {
				// Parent cancelled: the pool is stopping.
				return ctx.Err()
			}
			logger.Warn("job timed out, abandoning handler",
				slog.String("job_id", j.ID.String()),
				slog.String("queue", j.Queue),
				slog.Duration("timeout", d),
			)
			return fmt.Errorf("%w after %s", jobq.ErrTimeout, d)
		}
	}
}
