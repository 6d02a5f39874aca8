package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Extension)(nil)
	_ ext.JobEnqueued  = (*Extension)(nil)
	_ ext.JobStarted   = (*Extension)(nil)
	_ ext.JobCompleted = (*Extension)(nil)
	_ ext.JobRetrying  = (*Extension)(nil)
	_ ext.JobDead      = (*Extension)(nil)
	_ ext.JobReplayed  = (*Extension)(nil)
	_ ext.JobsReaped   = (*Extension)(nil)
	_ ext.JobsPurged   = (*Extension)(nil)
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit record.
type AuditEvent struct {
	Action   string    `json:"action"`
	Resource string    `json:"resource"`
	Category string    `json:"category"`
	Time     time.Time `json:"time"`

	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc adapts a plain function to a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder writes each event as one log line at a level matching its
// severity.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("category", evt.Category),
			slog.String("outcome", evt.Outcome),
		}
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
		for k, v := range evt.Metadata {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension records jobq lifecycle events through a Recorder.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Extension that records through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (e *Extension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobEnqueued, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"queue", j.Queue,
		"max_attempts", j.MaxAttempts,
		"run_at", j.RunAt.Format(time.RFC3339),
	)
}

// OnJobStarted implements ext.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"queue", j.Queue,
		"worker_id", j.ClaimedBy.String(),
		"attempt", j.Attempts+1,
	)
}

// OnJobCompleted implements ext.JobCompleted.
func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return e.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"queue", j.Queue,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobRetrying implements ext.JobRetrying.
func (e *Extension) OnJobRetrying(ctx context.Context, j *job.Job, jobErr error) error {
	kv := []any{"queue", j.Queue, "attempts", j.Attempts, "max_attempts", j.MaxAttempts}
	if j.RetryAfter != nil {
		kv = append(kv, "retry_after", j.RetryAfter.Format(time.RFC3339))
	}
	return e.record(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, jobErr, kv...)
}

// OnJobDead implements ext.JobDead.
func (e *Extension) OnJobDead(ctx context.Context, j *job.Job, jobErr error) error {
	return e.record(ctx, ActionJobDead, SeverityCritical, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, jobErr,
		"queue", j.Queue,
		"attempts", j.Attempts,
	)
}

// OnJobReplayed implements ext.JobReplayed.
func (e *Extension) OnJobReplayed(ctx context.Context, deadID, newID id.JobID) error {
	return e.record(ctx, ActionJobReplayed, SeverityInfo, OutcomeSuccess,
		ResourceJob, deadID.String(), CategoryJob, nil,
		"new_job_id", newID.String(),
	)
}

// ── Maintenance hooks ───────────────────────────────

// OnJobsReaped implements ext.JobsReaped. Expired leases are recorded as
// warnings since each one is a worker that vanished mid-job.
func (e *Extension) OnJobsReaped(ctx context.Context, requeued, expired, dead int) error {
	severity := SeverityInfo
	if expired > 0 {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionJobsReaped, severity, OutcomeSuccess,
		ResourceQueue, "", CategoryMaintenance, nil,
		"requeued", requeued,
		"expired", expired,
		"dead", dead,
	)
}

// OnJobsPurged implements ext.JobsPurged.
func (e *Extension) OnJobsPurged(ctx context.Context, state job.State, n int64) error {
	return e.record(ctx, ActionJobsPurged, SeverityInfo, OutcomeSuccess,
		ResourceQueue, "", CategoryMaintenance, nil,
		"state", string(state),
		"count", n,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an event if the action is enabled. kvPairs are
// added to Metadata. Recorder failures are logged, never returned, so an
// audit outage cannot fail a job.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		Time:       e.now(),
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
