package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/jobq/job"
)

// Recover returns middleware that turns a handler panic into an error, so
// the job fails through normal retry accounting instead of taking the
// worker process down. Handlers run on the goroutine started by Timeout
// are recovered there.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				retErr = panicError(logger, j, r)
			}
		}()
		return next(ctx)
	}
}

// panicError logs a recovered panic with its stack and returns the error
// recorded as the job's failure reason.
func panicError(logger *slog.Logger, j *job.Job, r any) error {
	logger.Error("job handler panicked",
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.Int("attempt", j.Attempts+1),
		slog.Any("panic", r),
		slog.String("stack", string(debug.Stack())),
	)
	return fmt.Errorf("panic in %s job %s: %v", j.Queue, j.ID, r)
}
