package audithook_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	ah "github.com/xraph/jobq/audit_hook"
	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// ── Mock recorder ────────────────────────────────────

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) findByAction(action string) *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Action == action {
			return evt
		}
	}
	return nil
}

// ── Test helpers ─────────────────────────────────────

func newTestJob(t *testing.T) *job.Job {
	t.Helper()
	j, err := job.New("send-email", []byte(`{}`), job.WithMaxAttempts(3))
	if err != nil {
		t.Fatal(err)
	}
	return j
}

// ── Tests ────────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	e := ah.New(&mockRecorder{})
	if e.Name() != "audit-hook" {
		t.Errorf("expected name %q, got %q", "audit-hook", e.Name())
	}
}

func TestExtension_JobEnqueued(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob(t)

	if err := e.OnJobEnqueued(context.Background(), j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}

	evt := rec.last()
	if evt == nil {
		t.Fatal("no event recorded")
	}
	if evt.Action != ah.ActionJobEnqueued {
		t.Errorf("Action: want %q, got %q", ah.ActionJobEnqueued, evt.Action)
	}
	if evt.Resource != ah.ResourceJob {
		t.Errorf("Resource: want %q, got %q", ah.ResourceJob, evt.Resource)
	}
	if evt.ResourceID != j.ID.String() {
		t.Errorf("ResourceID: want %q, got %q", j.ID.String(), evt.ResourceID)
	}
	if evt.Severity != ah.SeverityInfo || evt.Outcome != ah.OutcomeSuccess {
		t.Errorf("Severity/Outcome: got %q/%q", evt.Severity, evt.Outcome)
	}
	if evt.Metadata["queue"] != "send-email" {
		t.Errorf("Metadata[queue]: want %q, got %v", "send-email", evt.Metadata["queue"])
	}
	if evt.Metadata["max_attempts"] != 3 {
		t.Errorf("Metadata[max_attempts]: want 3, got %v", evt.Metadata["max_attempts"])
	}
	if evt.Time.IsZero() {
		t.Error("Time not set")
	}
}

func TestExtension_JobStarted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	j := newTestJob(t)
	worker := id.NewWorkerID()
	if err := j.Claim(worker, time.Now(), time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := e.OnJobStarted(context.Background(), j); err != nil {
		t.Fatalf("OnJobStarted: %v", err)
	}

	evt := rec.last()
	if evt.Metadata["worker_id"] != worker.String() {
		t.Errorf("Metadata[worker_id]: want %q, got %v", worker.String(), evt.Metadata["worker_id"])
	}
	if evt.Metadata["attempt"] != 1 {
		t.Errorf("Metadata[attempt]: want 1, got %v", evt.Metadata["attempt"])
	}
}

func TestExtension_JobCompleted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	elapsed := 150 * time.Millisecond

	if err := e.OnJobCompleted(context.Background(), newTestJob(t), elapsed); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionJobCompleted {
		t.Errorf("Action: want %q, got %q", ah.ActionJobCompleted, evt.Action)
	}
	if evt.Metadata["elapsed_ms"] != elapsed.Milliseconds() {
		t.Errorf("Metadata[elapsed_ms]: want %d, got %v", elapsed.Milliseconds(), evt.Metadata["elapsed_ms"])
	}
}

func TestExtension_JobRetrying(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	j := newTestJob(t)
	now := time.Now()
	if err := j.Claim(id.Nil, now, 0); err != nil {
		t.Fatal(err)
	}
	if err := j.Fail(id.Nil, now, "smtp timeout", nil); err != nil {
		t.Fatal(err)
	}

	if err := e.OnJobRetrying(context.Background(), j, errors.New("smtp timeout")); err != nil {
		t.Fatalf("OnJobRetrying: %v", err)
	}

	evt := rec.last()
	if evt.Severity != ah.SeverityWarning || evt.Outcome != ah.OutcomeFailure {
		t.Errorf("Severity/Outcome: got %q/%q", evt.Severity, evt.Outcome)
	}
	if evt.Reason != "smtp timeout" {
		t.Errorf("Reason: want %q, got %q", "smtp timeout", evt.Reason)
	}
	if evt.Metadata["attempts"] != 1 {
		t.Errorf("Metadata[attempts]: want 1, got %v", evt.Metadata["attempts"])
	}
	if _, ok := evt.Metadata["retry_after"]; !ok {
		t.Error("Metadata[retry_after] missing")
	}
}

func TestExtension_JobDead(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	if err := e.OnJobDead(context.Background(), newTestJob(t), errors.New("attempts exhausted")); err != nil {
		t.Fatalf("OnJobDead: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionJobDead {
		t.Errorf("Action: want %q, got %q", ah.ActionJobDead, evt.Action)
	}
	if evt.Severity != ah.SeverityCritical {
		t.Errorf("Severity: want %q, got %q", ah.SeverityCritical, evt.Severity)
	}
}

func TestExtension_JobReplayed(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	deadID, newID := id.NewJobID(), id.NewJobID()

	if err := e.OnJobReplayed(context.Background(), deadID, newID); err != nil {
		t.Fatalf("OnJobReplayed: %v", err)
	}

	evt := rec.last()
	if evt.ResourceID != deadID.String() {
		t.Errorf("ResourceID: want %q, got %q", deadID.String(), evt.ResourceID)
	}
	if evt.Metadata["new_job_id"] != newID.String() {
		t.Errorf("Metadata[new_job_id]: want %q, got %v", newID.String(), evt.Metadata["new_job_id"])
	}
}

func TestExtension_JobsReaped_ExpiredIsWarning(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	ctx := context.Background()

	_ = e.OnJobsReaped(ctx, 3, 0, 0)
	if got := rec.last().Severity; got != ah.SeverityInfo {
		t.Errorf("requeue only: Severity = %q, want info", got)
	}

	_ = e.OnJobsReaped(ctx, 0, 2, 1)
	evt := rec.last()
	if evt.Severity != ah.SeverityWarning {
		t.Errorf("expired leases: Severity = %q, want warning", evt.Severity)
	}
	if evt.Category != ah.CategoryMaintenance {
		t.Errorf("Category: want %q, got %q", ah.CategoryMaintenance, evt.Category)
	}
}

// ── WithActions filter tests ─────────────────────────

func TestExtension_WithActions_FiltersDisabled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionJobCompleted, ah.ActionJobDead))

	ctx := context.Background()
	j := newTestJob(t)

	// Enqueued is NOT enabled.
	if err := e.OnJobEnqueued(ctx, j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("expected 0 events (enqueued disabled), got %d", rec.count())
	}

	if err := e.OnJobCompleted(ctx, j, 50*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if err := e.OnJobDead(ctx, j, errors.New("boom")); err != nil {
		t.Fatalf("OnJobDead: %v", err)
	}
	if rec.count() != 2 {
		t.Errorf("expected 2 events, got %d", rec.count())
	}
}

// ── Recorder error handling test ─────────────────────

func TestExtension_RecorderError_DoesNotPropagate(t *testing.T) {
	failing := ah.RecorderFunc(func(_ context.Context, _ *ah.AuditEvent) error {
		return errors.New("audit backend down")
	})

	e := ah.New(failing)
	if err := e.OnJobEnqueued(context.Background(), newTestJob(t)); err != nil {
		t.Fatalf("expected no error (audit failure swallowed), got: %v", err)
	}
}

func TestSlogRecorder_LevelFollowsSeverity(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := ah.New(ah.SlogRecorder(logger))

	if err := e.OnJobDead(context.Background(), newTestJob(t), errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"level=ERROR", "action=job.dead", "reason=boom", "queue=send-email"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
}

// ── Registry integration test ────────────────────────

func TestExtension_ViaRegistry(t *testing.T) {
	rec := &mockRecorder{}
	reg := ext.NewRegistry(slog.Default())
	reg.Register(ah.New(rec))

	ctx := context.Background()
	j := newTestJob(t)

	reg.EmitJobEnqueued(ctx, j)
	reg.EmitJobStarted(ctx, j)
	reg.EmitJobCompleted(ctx, j, 50*time.Millisecond)
	reg.EmitJobRetrying(ctx, j, errors.New("fail"))
	reg.EmitJobDead(ctx, j, errors.New("dead"))
	reg.EmitJobReplayed(ctx, j.ID, id.NewJobID())
	reg.EmitJobsReaped(ctx, 1, 0, 0)
	reg.EmitJobsPurged(ctx, job.StateCompleted, 4)

	allActions := ah.AllActions()
	if rec.count() != len(allActions) {
		t.Fatalf("expected %d events, got %d", len(allActions), rec.count())
	}
	for _, action := range allActions {
		if rec.findByAction(action) == nil {
			t.Errorf("missing event for action %q", action)
		}
	}
}
