package job

import "context"

type ctxKey struct{}

// WithContext returns a copy of ctx carrying j.
func WithContext(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, ctxKey{}, j)
}

// FromContext returns the job being executed, if any. Handlers must treat
// it as read-only.
func FromContext(ctx context.Context) (*Job, bool) {
	j, ok := ctx.Value(ctxKey{}).(*Job)
	return j, ok
}
