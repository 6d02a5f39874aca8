package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/backend/backendtest"
	"github.com/xraph/jobq/backend/memory"
	"github.com/xraph/jobq/backoff"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T, cfg backendtest.Config) backend.Backend {
		b := memory.New(
			memory.WithBackoff(cfg.Backoff),
			memory.WithVisibilityTimeout(cfg.VisibilityTimeout),
		)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestBackoffScheduleUsesConfiguredStrategy(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := memory.New(
		memory.WithClock(clock.Now),
		memory.WithBackoff(backoff.NewExponential(time.Second, 10*time.Second)),
	)

	j, err := job.NewAt(clock.now, "send-email", nil, job.WithMaxAttempts(10))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	w := id.NewWorkerID()
	var prev time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		got, err := b.Claim(ctx, []string{"send-email"}, 1, w)
		if err != nil || len(got) != 1 {
			t.Fatalf("attempt %d: claim = %d jobs, %v", attempt, len(got), err)
		}
		failed, err := b.Fail(ctx, j.ID, w, "boom")
		if err != nil {
			t.Fatal(err)
		}
		delay := failed.RetryAfter.Sub(clock.now)
		if delay < prev {
			t.Fatalf("attempt %d: delay %v < previous %v", attempt, delay, prev)
		}
		if delay > 10*time.Second {
			t.Fatalf("attempt %d: delay %v exceeds cap", attempt, delay)
		}
		prev = delay

		clock.Advance(delay - time.Millisecond)
		if got, _ := b.Claim(ctx, []string{"send-email"}, 1, w); len(got) != 0 {
			t.Fatalf("attempt %d: claimed before RetryAfter", attempt)
		}
		clock.Advance(time.Millisecond)
	}
}

func TestReapRequeuesDueFailures(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := memory.New(memory.WithClock(clock.Now), memory.WithBackoff(backoff.NewConstant(time.Minute)))

	j, _ := job.NewAt(clock.now, "q", nil)
	_ = b.Enqueue(ctx, j)
	_, _ = b.Claim(ctx, nil, 1, id.NewWorkerID())
	_, _ = b.Fail(ctx, j.ID, id.Nil, "x")

	res, err := b.Reap(ctx)
	if err != nil || res.Requeued != 0 {
		t.Fatalf("early reap = %+v, %v", res, err)
	}
	clock.Advance(time.Minute)
	res, err = b.Reap(ctx)
	if err != nil || res.Requeued != 1 {
		t.Fatalf("reap = %+v, %v", res, err)
	}
	snap, _ := b.Inspect(ctx, j.ID)
	if snap.State != job.StatePending {
		t.Errorf("state = %q, want pending", snap.State)
	}
}

func TestSimulatedOutage(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	b.SetUnavailable(true)

	j, _ := job.New("q", nil)
	if err := b.Enqueue(ctx, j); !errors.Is(err, jobq.ErrBackendUnavailable) {
		t.Fatalf("enqueue err = %v", err)
	}
	if _, err := b.Claim(ctx, []string{"q"}, 1, id.NewWorkerID()); !jobq.IsUnavailable(err) {
		t.Fatalf("claim err = %v", err)
	}

	b.SetUnavailable(false)
	if err := b.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue after recovery: %v", err)
	}
}

func TestClosed(t *testing.T) {
	b := memory.New()
	_ = b.Close()
	if err := b.Ping(context.Background()); !errors.Is(err, jobq.ErrBackendClosed) {
		t.Fatalf("err = %v, want ErrBackendClosed", err)
	}
}

func TestEnqueueCopiesJob(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	j, _ := job.New("q", []byte("abc"))
	_ = b.Enqueue(ctx, j)
	j.Payload[0] = 'X'

	snap, _ := b.Inspect(ctx, j.ID)
	if string(snap.Payload) != "abc" {
		t.Errorf("payload = %q, stored job aliases caller memory", snap.Payload)
	}
}
