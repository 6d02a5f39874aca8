package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/backoff"
	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// QueueManager applies per-queue rate limits and concurrency caps. The
// pool asks it which queues are worth claiming from, acquires a slot
// before executing a claimed job and releases it afterwards.
// *queue.Manager implements it.
type QueueManager interface {
	// Ready filters queues down to those with capacity right now.
	Ready(queues []string) []string
	// Acquire blocks until the queue has capacity or ctx is done.
	Acquire(ctx context.Context, queue string) error
	// Release returns a slot taken by Acquire.
	Release(queue string)
}

const (
	defaultConcurrency       = 10
	defaultMaxBatchSize      = 100
	defaultPollInterval      = time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultReapInterval      = 5 * time.Second
	maintenanceTimeout       = 30 * time.Second
	pollJitter               = 0.2
)

// Pool manages a set of concurrent slots that claim jobs from the backend
// and run them through the Executor.
type Pool struct {
	backend    backend.Backend
	executor   *Executor
	extensions *ext.Registry
	logger     *slog.Logger

	concurrency       int
	batchSize         int
	maxBatchSize      int
	queues            []string
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	reapInterval      time.Duration
	reconnect         backoff.Strategy
	queueManager      QueueManager

	claimSem *semaphore.Weighted

	mu      sync.Mutex
	running bool
	// stop ends claiming; hard cancels running handlers; maint ends the
	// heartbeat and reaper loops once every slot has returned.
	stopCtx     context.Context
	stopCancel  context.CancelFunc
	hardCtx     context.Context
	hardCancel  context.CancelFunc
	maintCancel context.CancelFunc
	slots       sync.WaitGroup
	maint       sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]id.JobID
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of execution slots.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithBatchSize sets how many jobs a slot claims at once. It is clamped
// to the maximum batch size.
func WithBatchSize(n int) PoolOption {
	return func(p *Pool) { p.batchSize = n }
}

// WithMaxBatchSize sets the ceiling applied to the batch size.
func WithMaxBatchSize(n int) PoolOption {
	return func(p *Pool) { p.maxBatchSize = n }
}

// WithQueues restricts the pool to the given queues. Empty means every
// queue the backend knows about.
func WithQueues(queues ...string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how long an idle slot waits before claiming
// again. The actual wait is jittered by ±20%.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval sets how often leases of held jobs are renewed.
// A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithReapInterval sets how often Backend.Reap runs. A zero value
// disables the reaper in this pool.
func WithReapInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reapInterval = d }
}

// WithReconnect sets the backoff used while the backend is unavailable.
func WithReconnect(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.reconnect = s }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool. Claims run as the executor's worker id.
func NewPool(
	b backend.Backend,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	p := &Pool{
		backend:           b,
		executor:          executor,
		extensions:        extensions,
		logger:            logger,
		concurrency:       defaultConcurrency,
		batchSize:         1,
		maxBatchSize:      defaultMaxBatchSize,
		pollInterval:      defaultPollInterval,
		heartbeatInterval: defaultHeartbeatInterval,
		reapInterval:      defaultReapInterval,
		reconnect:         backoff.DefaultReconnect(),
		active:            make(map[string]id.JobID),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.concurrency < 1 {
		p.concurrency = 1
	}
	if p.maxBatchSize < 1 {
		p.maxBatchSize = 1
	}
	p.batchSize = min(max(p.batchSize, 1), p.maxBatchSize)

	claims := p.concurrency
	if cl, ok := b.(backend.ClaimLimiter); ok && cl.ClaimConcurrency() > 0 {
		claims = min(claims, cl.ClaimConcurrency())
	}
	p.claimSem = semaphore.NewWeighted(int64(claims))
	return p
}

// WorkerID returns the identity the pool claims jobs as.
func (p *Pool) WorkerID() id.WorkerID { return p.executor.WorkerID() }

// Active returns the number of jobs the pool currently holds.
func (p *Pool) Active() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

// Start launches the slots and maintenance loops. It returns immediately;
// starting a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	base := context.WithoutCancel(ctx)
	p.stopCtx, p.stopCancel = context.WithCancel(base)
	p.hardCtx, p.hardCancel = context.WithCancel(base)
	var maintCtx context.Context
	maintCtx, p.maintCancel = context.WithCancel(base)

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.WorkerID().String()),
		slog.String("backend", p.backend.Name()),
		slog.Int("concurrency", p.concurrency),
		slog.Int("batch_size", p.batchSize),
		slog.Any("queues", p.queues),
	)

	for n := range p.concurrency {
		p.slots.Add(1)
		go p.slot(n)
	}

	if p.heartbeatInterval > 0 {
		p.maint.Add(1)
		go p.every(maintCtx, p.heartbeatInterval, p.sendHeartbeats)
	}
	if p.reapInterval > 0 {
		p.maint.Add(1)
		go p.every(maintCtx, p.reapInterval, p.reap)
	}
	return nil
}

// Stop stops claiming and waits for in-flight jobs. When ctx ends first,
// the remaining handlers are cancelled and Stop waits for them to return.
// Heartbeats continue until the last slot exits.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping",
		slog.String("worker_id", p.WorkerID().String()),
		slog.Int("active", p.Active()),
	)
	p.stopCancel()

	done := make(chan struct{})
	go func() {
		p.slots.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs",
			slog.Int("active", p.Active()),
		)
		p.hardCancel()
		<-done
		err = ctx.Err()
	}

	p.maintCancel()
	p.maint.Wait()
	p.hardCancel()
	return err
}

// slot is one claim/execute loop.
func (p *Pool) slot(n int) {
	defer p.slots.Done()

	failures := 0
	for p.stopCtx.Err() == nil {
		jobs, err := p.claim()
		switch {
		case err == nil:
		case p.stopCtx.Err() != nil:
			return
		case errors.Is(err, jobq.ErrBackendClosed):
			p.logger.Warn("backend closed, slot exiting", slog.Int("slot", n))
			return
		case jobq.IsUnavailable(err):
			failures++
			delay := p.reconnect.Delay(failures)
			p.logger.Warn("backend unavailable, backing off",
				slog.Int("slot", n),
				slog.Int("failures", failures),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			p.sleep(delay)
			continue
		default:
			p.logger.Error("claim error", slog.Int("slot", n), slog.String("error", err.Error()))
			p.sleep(p.jitter())
			continue
		}

		if failures > 0 {
			p.logger.Info("backend available again", slog.Int("slot", n), slog.Int("failures", failures))
			failures = 0
		}
		if len(jobs) == 0 {
			p.sleep(p.jitter())
			continue
		}
		// Claimed jobs are in flight: finish the batch even when stopping.
		// The whole batch is heartbeated while its members wait their turn.
		for _, j := range jobs {
			p.track(j.ID)
		}
		for _, j := range jobs {
			p.run(j)
		}
	}
}

func (p *Pool) claim() ([]*job.Job, error) {
	queues := p.queues
	if p.queueManager != nil && len(queues) > 0 {
		if queues = p.queueManager.Ready(queues); len(queues) == 0 {
			return nil, nil
		}
	}

	if err := p.claimSem.Acquire(p.stopCtx, 1); err != nil {
		return nil, err
	}
	defer p.claimSem.Release(1)
	return p.backend.Claim(p.stopCtx, queues, p.batchSize, p.WorkerID())
}

// run executes one tracked job and stops heartbeating it afterwards.
func (p *Pool) run(j *job.Job) {
	defer p.untrack(j.ID)

	if p.queueManager != nil {
		if err := p.queueManager.Acquire(p.hardCtx, j.Queue); err != nil {
			// The lease runs out and the reaper hands the job back.
			p.logger.Warn("abandoned claimed job waiting for queue capacity",
				slog.String("job_id", j.ID.String()),
				slog.String("queue", j.Queue),
			)
			return
		}
		defer p.queueManager.Release(j.Queue)
	}

	if err := p.executor.Execute(p.hardCtx, j); err != nil {
		p.logger.Error("job outcome not recorded",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer p.maint.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (p *Pool) sendHeartbeats(ctx context.Context) {
	p.activeMu.Lock()
	ids := make([]id.JobID, 0, len(p.active))
	for _, jobID := range p.active {
		ids = append(ids, jobID)
	}
	p.activeMu.Unlock()

	for _, jobID := range ids {
		hctx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
		err := p.backend.Heartbeat(hctx, jobID, p.WorkerID())
		cancel()
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()

	res, err := p.backend.Reap(rctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("reap error", slog.String("error", err.Error()))
		}
		return
	}
	if res.Requeued == 0 && res.Expired == 0 {
		return
	}
	p.logger.Info("reaped jobs",
		slog.Int("requeued", res.Requeued),
		slog.Int("expired", res.Expired),
		slog.Int("dead", res.Dead),
	)
	p.extensions.EmitJobsReaped(ctx, res.Requeued, res.Expired, res.Dead)
}

func (p *Pool) jitter() time.Duration {
	d := float64(p.pollInterval)
	return time.Duration(d + d*pollJitter*(2*rand.Float64()-1)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

func (p *Pool) sleep(d time.Duration) {
	_ = backoff.Sleep(p.stopCtx, d) //nolint:errcheck // woken early by Stop
}

func (p *Pool) track(jobID id.JobID) {
	p.activeMu.Lock()
	p.active[jobID.String()] = jobID
	p.activeMu.Unlock()
}

func (p *Pool) untrack(jobID id.JobID) {
	p.activeMu.Lock()
	delete(p.active, jobID.String())
	p.activeMu.Unlock()
}
