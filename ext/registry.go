package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. Extensions are sorted into per-hook slices at registration
// time so emit calls iterate only over interested extensions.
//
// Register is not safe to call concurrently with the emit methods;
// register everything before starting the engine.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobEnqueued  []entry[JobEnqueued]
	jobStarted   []entry[JobStarted]
	jobCompleted []entry[JobCompleted]
	jobRetrying  []entry[JobRetrying]
	jobDead      []entry[JobDead]
	jobsReaped   []entry[JobsReaped]
	jobReplayed  []entry[JobReplayed]
	jobsPurged   []entry[JobsPurged]
	shutdown     []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// SetLogger replaces the logger used to report hook errors.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Register adds an extension to every hook list it implements.
// Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobEnqueued); ok {
		r.jobEnqueued = append(r.jobEnqueued, entry[JobEnqueued]{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, entry[JobStarted]{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, entry[JobCompleted]{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, entry[JobRetrying]{name, h})
	}
	if h, ok := e.(JobDead); ok {
		r.jobDead = append(r.jobDead, entry[JobDead]{name, h})
	}
	if h, ok := e.(JobsReaped); ok {
		r.jobsReaped = append(r.jobsReaped, entry[JobsReaped]{name, h})
	}
	if h, ok := e.(JobReplayed); ok {
		r.jobReplayed = append(r.jobReplayed, entry[JobReplayed]{name, h})
	}
	if h, ok := e.(JobsPurged); ok {
		r.jobsPurged = append(r.jobsPurged, entry[JobsPurged]{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, entry[Shutdown]{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// emit calls fn for every entry, logging hook errors. Errors from hooks
// are never propagated.
func emit[H any](r *Registry, hook string, entries []entry[H], fn func(H) error) {
	for _, e := range entries {
		if err := fn(e.hook); err != nil {
			r.logger.Warn("extension hook error",
				slog.String("hook", hook),
				slog.String("extension", e.name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// EmitJobEnqueued notifies all extensions that implement JobEnqueued.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	emit(r, "OnJobEnqueued", r.jobEnqueued, func(h JobEnqueued) error { return h.OnJobEnqueued(ctx, j) })
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	emit(r, "OnJobStarted", r.jobStarted, func(h JobStarted) error { return h.OnJobStarted(ctx, j) })
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	emit(r, "OnJobCompleted", r.jobCompleted, func(h JobCompleted) error { return h.OnJobCompleted(ctx, j, elapsed) })
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, jobErr error) {
	emit(r, "OnJobRetrying", r.jobRetrying, func(h JobRetrying) error { return h.OnJobRetrying(ctx, j, jobErr) })
}

// EmitJobDead notifies all extensions that implement JobDead.
func (r *Registry) EmitJobDead(ctx context.Context, j *job.Job, jobErr error) {
	emit(r, "OnJobDead", r.jobDead, func(h JobDead) error { return h.OnJobDead(ctx, j, jobErr) })
}

// EmitJobsReaped notifies all extensions that implement JobsReaped.
func (r *Registry) EmitJobsReaped(ctx context.Context, requeued, expired, dead int) {
	emit(r, "OnJobsReaped", r.jobsReaped, func(h JobsReaped) error { return h.OnJobsReaped(ctx, requeued, expired, dead) })
}

// EmitJobReplayed notifies all extensions that implement JobReplayed.
func (r *Registry) EmitJobReplayed(ctx context.Context, deadID, newID id.JobID) {
	emit(r, "OnJobReplayed", r.jobReplayed, func(h JobReplayed) error { return h.OnJobReplayed(ctx, deadID, newID) })
}

// EmitJobsPurged notifies all extensions that implement JobsPurged.
func (r *Registry) EmitJobsPurged(ctx context.Context, state job.State, n int64) {
	emit(r, "OnJobsPurged", r.jobsPurged, func(h JobsPurged) error { return h.OnJobsPurged(ctx, state, n) })
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, "OnShutdown", r.shutdown, func(h Shutdown) error { return h.OnShutdown(ctx) })
}
