package middleware

import (
	"context"

	"github.com/xraph/jobq/job"
)

// Inject returns middleware that stores a snapshot of the running job in
// the context, so handlers can read its ID and attempt via job.FromContext.
func Inject() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		return next(job.WithContext(ctx, j.Clone()))
	}
}
