package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// recorder implements every lifecycle hook and records the call order.
type recorder struct {
	name  string
	calls []string
}

func (e *recorder) Name() string { return e.name }

func (e *recorder) record(hook string) error {
	e.calls = append(e.calls, hook)
	return nil
}

func (e *recorder) OnJobEnqueued(context.Context, *job.Job) error { return e.record("OnJobEnqueued") }
func (e *recorder) OnJobStarted(context.Context, *job.Job) error  { return e.record("OnJobStarted") }
func (e *recorder) OnJobCompleted(context.Context, *job.Job, time.Duration) error {
	return e.record("OnJobCompleted")
}
func (e *recorder) OnJobRetrying(context.Context, *job.Job, error) error {
	return e.record("OnJobRetrying")
}
func (e *recorder) OnJobDead(context.Context, *job.Job, error) error { return e.record("OnJobDead") }
func (e *recorder) OnJobsReaped(context.Context, int, int, int) error {
	return e.record("OnJobsReaped")
}
func (e *recorder) OnJobReplayed(context.Context, id.JobID, id.JobID) error {
	return e.record("OnJobReplayed")
}
func (e *recorder) OnJobsPurged(context.Context, job.State, int64) error {
	return e.record("OnJobsPurged")
}
func (e *recorder) OnShutdown(context.Context) error { return e.record("OnShutdown") }

// deadOnly only cares about jobs running out of attempts.
type deadOnly struct {
	dead []string
}

func (e *deadOnly) Name() string { return "dead-only" }

func (e *deadOnly) OnJobDead(_ context.Context, j *job.Job, _ error) error {
	e.dead = append(e.dead, j.ID.String())
	return nil
}

// failing returns errors from hooks.
type failing struct{}

func (failing) Name() string                                  { return "failing" }
func (failing) OnJobEnqueued(context.Context, *job.Job) error { return errors.New("boom") }

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &recorder{name: "all"}
	dead := &deadOnly{}
	r.Register(all)
	r.Register(dead)

	if got := len(r.Extensions()); got != 2 {
		t.Fatalf("expected 2 extensions, got %d", got)
	}

	ctx := context.Background()
	j := &job.Job{ID: id.NewJobID(), Queue: "send-email"}
	r.EmitJobEnqueued(ctx, j)
	r.EmitJobRetrying(ctx, j, errors.New("smtp unavailable"))
	if len(dead.dead) != 0 {
		t.Fatalf("dead-only notified of non-dead events: %v", dead.dead)
	}

	r.EmitJobDead(ctx, j, errors.New("smtp unavailable"))
	if len(dead.dead) != 1 || dead.dead[0] != j.ID.String() {
		t.Fatalf("dead-only: got %v", dead.dead)
	}
	if len(all.calls) != 3 {
		t.Fatalf("all: expected 3 calls, got %v", all.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &recorder{name: "all"}
	r.Register(all)

	ctx := context.Background()
	j := &job.Job{ID: id.NewJobID()}
	r.EmitJobEnqueued(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobRetrying(ctx, j, errors.New("x"))
	r.EmitJobDead(ctx, j, errors.New("x"))
	r.EmitJobsReaped(ctx, 1, 2, 1)
	r.EmitJobReplayed(ctx, j.ID, id.NewJobID())
	r.EmitJobsPurged(ctx, job.StateCompleted, 10)
	r.EmitShutdown(ctx)

	expected := []string{
		"OnJobEnqueued", "OnJobStarted", "OnJobCompleted", "OnJobRetrying", "OnJobDead",
		"OnJobsReaped", "OnJobReplayed", "OnJobsPurged", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &recorder{name: "all"}
	r.Register(failing{})
	r.Register(all)

	r.EmitJobEnqueued(context.Background(), &job.Job{})
	if len(all.calls) != 1 || all.calls[0] != "OnJobEnqueued" {
		t.Fatalf("expected [OnJobEnqueued] despite failing extension, got %v", all.calls)
	}
}

func TestRegistry_OrderPreserved(t *testing.T) {
	r := ext.NewRegistry(nil)
	var order []string
	first := &orderExt{name: "first", order: &order}
	second := &orderExt{name: "second", order: &order}
	r.Register(first)
	r.Register(second)

	r.EmitShutdown(context.Background())
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}
}

type orderExt struct {
	name  string
	order *[]string
}

func (e *orderExt) Name() string { return e.name }

func (e *orderExt) OnShutdown(context.Context) error {
	*e.order = append(*e.order, e.name)
	return nil
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(slog.Default())
	ctx := context.Background()
	r.EmitJobEnqueued(ctx, &job.Job{})
	r.EmitJobStarted(ctx, &job.Job{})
	r.EmitJobCompleted(ctx, &job.Job{}, time.Second)
	r.EmitJobRetrying(ctx, &job.Job{}, errors.New("x"))
	r.EmitJobDead(ctx, &job.Job{}, errors.New("x"))
	r.EmitJobsReaped(ctx, 0, 0, 0)
	r.EmitJobReplayed(ctx, id.NewJobID(), id.NewJobID())
	r.EmitJobsPurged(ctx, job.StateDead, 0)
	r.EmitShutdown(ctx)
}
