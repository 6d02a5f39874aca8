package job

import "time"

// DefaultMaxAttempts is the attempt budget of a job enqueued without
// WithMaxAttempts.
const DefaultMaxAttempts = 3

// Options configures a job at enqueue time.
type Options struct {
	// MaxAttempts is the number of failed attempts after which the job is
	// dead. Must be at least 1.
	MaxAttempts int

	// Delay postpones the first claim. Ignored when RunAt is set.
	Delay time.Duration

	// RunAt is the earliest time the job may be claimed. Zero means now.
	RunAt time.Time

	// Timeout is the maximum duration a handler may run. Zero uses the
	// worker pool's default.
	Timeout time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{MaxAttempts: DefaultMaxAttempts}
}

// Option is a functional option for a single enqueue.
type Option func(*Options)

// WithMaxAttempts sets the attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithDelay makes the job claimable only after d has elapsed.
func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Delay = d
	}
}

// WithRunAt schedules the job for a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) {
		o.RunAt = t
	}
}

// WithTimeout sets the handler deadline for this job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}
