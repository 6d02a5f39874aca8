package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/job"
)

const flushTimeout = 30 * time.Second

type bufferedJob struct {
	j    *job.Job
	done chan error
}

// buffer group-commits enqueues. A single goroutine collects jobs into a
// batch and writes it with one COPY when the batch is full or maxDelay
// has passed since its first job. Each caller waits for its batch.
type buffer struct {
	write    func(context.Context, []*job.Job) error
	logger   *slog.Logger
	maxSize  int
	maxDelay time.Duration

	mu     sync.RWMutex
	closed bool
	reqs   chan bufferedJob
	stop   chan struct{}
	wg     sync.WaitGroup
}

func newBuffer(b *Backend, maxSize int, maxDelay time.Duration) *buffer {
	return startBuffer(b.copyJobs, b.logger, maxSize, maxDelay)
}

func startBuffer(write func(context.Context, []*job.Job) error, logger *slog.Logger, maxSize int, maxDelay time.Duration) *buffer {
	if maxSize < 1 {
		maxSize = 1
	}
	if maxDelay <= 0 {
		maxDelay = time.Millisecond
	}
	f := &buffer{
		write:    write,
		logger:   logger,
		maxSize:  maxSize,
		maxDelay: maxDelay,
		reqs:     make(chan bufferedJob),
		stop:     make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	return f
}

// add hands j to the flusher and waits until its batch is committed. ctx
// bounds only the handoff: once the flusher has the job the outcome is
// reported as written, so a caller never sees a failure for a committed
// job. The wait is bounded by flushTimeout.
func (f *buffer) add(ctx context.Context, j *job.Job) error {
	req := bufferedJob{j: j, done: make(chan error, 1)}

	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return fmt.Errorf("jobq/postgres: enqueue: %w", jobq.ErrBackendClosed)
	}
	select {
	case f.reqs <- req:
		f.mu.RUnlock()
	case <-ctx.Done():
		f.mu.RUnlock()
		return ctx.Err()
	}

	return <-req.done
}

func (f *buffer) run() {
	defer f.wg.Done()
	for {
		var first bufferedJob
		select {
		case first = <-f.reqs:
		case <-f.stop:
			return
		}

		batch := []bufferedJob{first}
		timer := time.NewTimer(f.maxDelay)
	collect:
		for len(batch) < f.maxSize {
			select {
			case req := <-f.reqs:
				batch = append(batch, req)
			case <-timer.C:
				break collect
			case <-f.stop:
				break collect
			}
		}
		timer.Stop()
		f.flush(batch)
	}
}

func (f *buffer) flush(batch []bufferedJob) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	jobs := make([]*job.Job, len(batch))
	for i, req := range batch {
		jobs[i] = req.j
	}
	start := time.Now()
	err := f.write(ctx, jobs)
	if err != nil {
		f.logger.Error("buffered enqueue failed",
			"batch_size", len(batch),
			"error", err,
		)
	} else {
		f.logger.Debug("flushed enqueue batch",
			"batch_size", len(batch),
			"elapsed", time.Since(start),
		)
	}
	for _, req := range batch {
		req.done <- err
	}
}

// close stops accepting jobs, flushes what was already handed over, and
// waits for the flusher to exit.
func (f *buffer) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.stop)
	f.mu.Unlock()
	f.wg.Wait()
}

// copyJobs writes a batch of new jobs with one COPY.
func (b *Backend) copyJobs(ctx context.Context, jobs []*job.Job) error {
	_, err := b.pool.CopyFrom(ctx,
		pgx.Identifier{"jobq_jobs"},
		copyColumns,
		pgx.CopyFromSlice(len(jobs), func(i int) ([]any, error) {
			return jobValues(jobs[i]), nil
		}),
	)
	if err != nil {
		return mapErr("enqueue batch", err)
	}
	return nil
}
