// Package backendtest is a conformance suite run against every backend.
// The memory backend runs it in unit tests; postgres and redis run it
// under the integration build tag against real servers.
package backendtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/backoff"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Config is what the suite asks a factory to build.
type Config struct {
	Backoff           backoff.Strategy
	VisibilityTimeout time.Duration
}

// Factory returns a fresh, empty backend configured with cfg. It should
// register cleanup with t.
type Factory func(t *testing.T, cfg Config) backend.Backend

const (
	retryDelay = 50 * time.Millisecond
	lease      = 500 * time.Millisecond
)

// Run executes the conformance suite.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()
	open := func(t *testing.T) backend.Backend {
		t.Helper()
		return newBackend(t, Config{
			Backoff:           backoff.NewConstant(retryDelay),
			VisibilityTimeout: lease,
		})
	}

	t.Run("EnqueueInspectRoundTrip", func(t *testing.T) { testRoundTrip(t, open(t)) })
	t.Run("InspectUnknown", func(t *testing.T) { testInspectUnknown(t, open(t)) })
	t.Run("ClaimEmpty", func(t *testing.T) { testClaimEmpty(t, open(t)) })
	t.Run("ClaimLimitAndQueues", func(t *testing.T) { testClaimLimitAndQueues(t, open(t)) })
	t.Run("ClaimRespectsDelay", func(t *testing.T) { testClaimDelay(t, open(t)) })
	t.Run("AcknowledgeIdempotent", func(t *testing.T) { testAckIdempotent(t, open(t)) })
	t.Run("RetryThenComplete", func(t *testing.T) { testRetryThenComplete(t, open(t)) })
	t.Run("SingleAttemptDead", func(t *testing.T) { testSingleAttemptDead(t, open(t)) })
	t.Run("ExactlyOnceClaim", func(t *testing.T) { testExactlyOnce(t, open(t)) })
	t.Run("LeaseExpiry", func(t *testing.T) { testLeaseExpiry(t, open(t)) })
	t.Run("StaleHolderCannotRecord", func(t *testing.T) { testStaleHolder(t, open(t)) })
	t.Run("HeartbeatKeepsLease", func(t *testing.T) { testHeartbeat(t, open(t)) })
	t.Run("ListAndCount", func(t *testing.T) { testListCount(t, open(t)) })
	t.Run("PurgeAndDelete", func(t *testing.T) { testPurgeDelete(t, open(t)) })
}

func enqueue(t *testing.T, b backend.Backend, queue string, payload []byte, opts ...job.Option) *job.Job {
	t.Helper()
	j, err := job.New(queue, payload, opts...)
	require.NoError(t, err)
	require.NoError(t, b.Enqueue(context.Background(), j))
	return j
}

// claimOne polls briefly, since broker delivery is asynchronous.
func claimOne(t *testing.T, b backend.Backend, queue string, w id.WorkerID) *job.Job {
	t.Helper()
	var got []*job.Job
	require.Eventually(t, func() bool {
		var err error
		got, err = b.Claim(context.Background(), []string{queue}, 1, w)
		require.NoError(t, err)
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)
	return got[0]
}

func testRoundTrip(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	payload := []byte{'{', 0x00, 0xff, '"', '\n', 0x7f, '}'}
	j := enqueue(t, b, "search-index", payload, job.WithMaxAttempts(4), job.WithTimeout(3*time.Second))

	got, err := b.Inspect(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID.String(), got.ID.String())
	assert.Equal(t, job.StatePending, got.State)
	assert.Equal(t, 4, got.MaxAttempts)
	assert.Equal(t, 3*time.Second, got.Timeout)
	assert.Equal(t, payload, got.Payload)

	w := id.NewWorkerID()
	claimed := claimOne(t, b, "search-index", w)
	assert.Equal(t, payload, claimed.Payload)
	assert.Equal(t, job.StateClaimed, claimed.State)
	assert.Equal(t, w.String(), claimed.ClaimedBy.String())
	assert.NotNil(t, claimed.ClaimedAt)
}

func testInspectUnknown(t *testing.T, b backend.Backend) {
	_, err := b.Inspect(context.Background(), id.NewJobID())
	require.ErrorIs(t, err, jobq.ErrJobNotFound)

	err = b.Acknowledge(context.Background(), id.NewJobID(), id.NewWorkerID())
	require.ErrorIs(t, err, jobq.ErrJobNotFound)
}

func testClaimEmpty(t *testing.T, b backend.Backend) {
	got, err := b.Claim(context.Background(), []string{"send-email"}, 10, id.NewWorkerID())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testClaimLimitAndQueues(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	for range 5 {
		enqueue(t, b, "send-email", []byte(`{}`))
	}
	other := enqueue(t, b, "asset-process", []byte(`{}`))

	w := id.NewWorkerID()
	seen := map[string]bool{}
	require.Eventually(t, func() bool {
		got, err := b.Claim(ctx, []string{"send-email"}, 2, w)
		require.NoError(t, err)
		require.LessOrEqual(t, len(got), 2)
		for _, j := range got {
			assert.Equal(t, "send-email", j.Queue)
			assert.False(t, seen[j.ID.String()], "job claimed twice")
			seen[j.ID.String()] = true
		}
		return len(seen) == 5
	}, 5*time.Second, 20*time.Millisecond)

	got, err := b.Inspect(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, got.State)
}

func testClaimDelay(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	delayed := enqueue(t, b, "send-email", nil, job.WithDelay(time.Hour))
	_, err := b.Reap(ctx)
	require.NoError(t, err)

	got, err := b.Claim(ctx, []string{"send-email"}, 10, id.NewWorkerID())
	require.NoError(t, err)
	assert.Empty(t, got)

	snap, err := b.Inspect(ctx, delayed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, snap.State)
}

func testAckIdempotent(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	j := enqueue(t, b, "search-index", []byte(`{"product":1}`))
	w := id.NewWorkerID()
	claimOne(t, b, "search-index", w)
	require.NoError(t, b.MarkRunning(ctx, j.ID, w))
	require.NoError(t, b.Acknowledge(ctx, j.ID, w))

	first, err := b.Inspect(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StateCompleted, first.State)
	require.NotNil(t, first.CompletedAt)

	require.NoError(t, b.Acknowledge(ctx, j.ID, w))
	second, err := b.Inspect(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, second.State)
	assert.True(t, first.CompletedAt.Equal(*second.CompletedAt))
	assert.Equal(t, first.Attempts, second.Attempts)
}

// send-email fails twice and then succeeds: completed with two failures.
func testRetryThenComplete(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	j := enqueue(t, b, "send-email", []byte(`{"to":"a@b.com"}`), job.WithMaxAttempts(3))
	w := id.NewWorkerID()

	for attempt := 1; attempt <= 2; attempt++ {
		claimed := waitClaim(t, b, "send-email", w)
		require.Equal(t, j.ID.String(), claimed.ID.String())
		require.NoError(t, b.MarkRunning(ctx, j.ID, w))

		failed, err := b.Fail(ctx, j.ID, w, "smtp unavailable")
		require.NoError(t, err)
		assert.Equal(t, job.StateFailed, failed.State)
		assert.Equal(t, attempt, failed.Attempts)
		require.NotNil(t, failed.RetryAfter)
	}

	waitClaim(t, b, "send-email", w)
	require.NoError(t, b.MarkRunning(ctx, j.ID, w))
	require.NoError(t, b.Acknowledge(ctx, j.ID, w))

	final, err := b.Inspect(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, final.State)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, "smtp unavailable", final.LastError)
}

// waitClaim reaps until the job becomes claimable again; broker backends
// only redeliver retries after a reap pass.
func waitClaim(t *testing.T, b backend.Backend, queue string, w id.WorkerID) *job.Job {
	t.Helper()
	ctx := context.Background()
	var got []*job.Job
	require.Eventually(t, func() bool {
		_, err := b.Reap(ctx)
		require.NoError(t, err)
		got, err = b.Claim(ctx, []string{queue}, 1, w)
		require.NoError(t, err)
		return len(got) == 1
	}, 5*time.Second, retryDelay/2)
	return got[0]
}

func testSingleAttemptDead(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	j := enqueue(t, b, "send-email", nil, job.WithMaxAttempts(1))
	w := id.NewWorkerID()
	claimOne(t, b, "send-email", w)

	dead, err := b.Fail(ctx, j.ID, w, "boom")
	require.NoError(t, err)
	assert.Equal(t, job.StateDead, dead.State)
	assert.Equal(t, 1, dead.Attempts)

	time.Sleep(2 * retryDelay)
	_, err = b.Reap(ctx)
	require.NoError(t, err)
	got, err := b.Claim(ctx, []string{"send-email"}, 10, w)
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := b.Count(ctx, backend.CountOpts{State: job.StateDead})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testExactlyOnce(t *testing.T, b backend.Backend) {
	const (
		jobs    = 200
		workers = 8
	)
	ctx := context.Background()
	for range jobs {
		enqueue(t, b, "search-index", []byte(`{}`))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string, jobs)
		dupes   []string
		wg      sync.WaitGroup
	)
	deadline := time.Now().Add(20 * time.Second)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := id.NewWorkerID()
			for time.Now().Before(deadline) {
				got, err := b.Claim(ctx, []string{"search-index"}, 5, w)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				for _, j := range got {
					if prev, ok := claimed[j.ID.String()]; ok {
						dupes = append(dupes, j.ID.String()+" by "+prev+" and "+w.String())
					}
					claimed[j.ID.String()] = w.String()
				}
				done := len(claimed) >= jobs
				mu.Unlock()
				for _, j := range got {
					if err := b.Acknowledge(ctx, j.ID, w); err != nil {
						t.Errorf("ack: %v", err)
					}
				}
				if done {
					return
				}
				if len(got) == 0 {
					time.Sleep(5 * time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, dupes, "jobs claimed more than once")
	assert.Len(t, claimed, jobs)
	n, err := b.Count(ctx, backend.CountOpts{State: job.StateCompleted, Queue: "search-index"})
	require.NoError(t, err)
	assert.Equal(t, int64(jobs), n)
}

func testLeaseExpiry(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	j := enqueue(t, b, "asset-process", []byte(`{"key":"a.png"}`), job.WithMaxAttempts(2))
	claimOne(t, b, "asset-process", id.NewWorkerID())

	res, err := b.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)

	time.Sleep(lease + 200*time.Millisecond)
	res, err = b.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	got, err := b.Inspect(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, backend.ReasonLeaseExpired, got.LastError)
	assert.True(t, got.ClaimedBy.IsNil())

	// The job is delivered again after its backoff.
	again := waitClaim(t, b, "asset-process", id.NewWorkerID())
	assert.Equal(t, j.ID.String(), again.ID.String())
}

// A worker whose lease expired must not record an outcome for the job
// after another worker has claimed it.
func testStaleHolder(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	j := enqueue(t, b, "asset-process", []byte(`{"key":"b.png"}`), job.WithMaxAttempts(3))
	first, second := id.NewWorkerID(), id.NewWorkerID()
	claimOne(t, b, "asset-process", first)
	require.NoError(t, b.MarkRunning(ctx, j.ID, first))

	time.Sleep(lease + 200*time.Millisecond)
	res, err := b.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Expired)

	again := waitClaim(t, b, "asset-process", second)
	require.Equal(t, j.ID.String(), again.ID.String())
	require.NoError(t, b.MarkRunning(ctx, j.ID, second))

	err = b.Acknowledge(ctx, j.ID, first)
	require.ErrorIs(t, err, jobq.ErrInvalidState)
	_, err = b.Fail(ctx, j.ID, first, "late failure")
	require.ErrorIs(t, err, jobq.ErrInvalidState)

	got, err := b.Inspect(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, got.State)
	assert.Equal(t, second.String(), got.ClaimedBy.String())
	assert.Equal(t, 1, got.Attempts)

	require.NoError(t, b.Acknowledge(ctx, j.ID, second))
	got, err = b.Inspect(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.State)
}

func testHeartbeat(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	j := enqueue(t, b, "asset-process", nil)
	w := id.NewWorkerID()
	claimOne(t, b, "asset-process", w)
	require.NoError(t, b.MarkRunning(ctx, j.ID, w))

	for range 4 {
		time.Sleep(lease / 3)
		require.NoError(t, b.Heartbeat(ctx, j.ID, w))
	}
	res, err := b.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)

	got, err := b.Inspect(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, got.State)

	err = b.Heartbeat(ctx, j.ID, id.NewWorkerID())
	require.ErrorIs(t, err, jobq.ErrInvalidState)
}

func testListCount(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	a := enqueue(t, b, "send-email", nil)
	enqueue(t, b, "send-email", nil)
	enqueue(t, b, "search-index", nil)
	w := id.NewWorkerID()
	claimed := claimOne(t, b, "send-email", w)
	require.Equal(t, a.ID.String(), claimed.ID.String(), "oldest job first")

	all, err := b.List(ctx, backend.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	pending, err := b.List(ctx, backend.ListOpts{State: job.StatePending, Queue: "send-email"})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	page, err := b.List(ctx, backend.ListOpts{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	n, err := b.Count(ctx, backend.CountOpts{Queue: "send-email"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = b.Count(ctx, backend.CountOpts{State: job.StateClaimed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testPurgeDelete(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	done := enqueue(t, b, "search-index", nil)
	pending := enqueue(t, b, "send-email", nil)
	w := id.NewWorkerID()
	claimOne(t, b, "search-index", w)
	require.NoError(t, b.Acknowledge(ctx, done.ID, w))

	_, err := b.Purge(ctx, backend.PurgeOpts{State: job.StatePending})
	require.ErrorIs(t, err, jobq.ErrInvalidState)

	err = b.Delete(ctx, pending.ID)
	require.ErrorIs(t, err, jobq.ErrInvalidState)

	n, err := b.Purge(ctx, backend.PurgeOpts{State: job.StateCompleted, Before: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = b.Purge(ctx, backend.PurgeOpts{State: job.StateCompleted, Before: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = b.Inspect(ctx, done.ID)
	require.ErrorIs(t, err, jobq.ErrJobNotFound)
	n, err = b.Count(ctx, backend.CountOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
