package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// ListOpts filters List.
type ListOpts struct {
	Queue  string
	Limit  int
	Offset int
}

// Service provides dead letter operations over a backend. Dead jobs stay
// in the backend in the dead state; the service never copies them.
type Service struct {
	backend    backend.Backend
	extensions *ext.Registry
	logger     *slog.Logger
}

// NewService creates a DLQ service. extensions may be nil.
func NewService(b backend.Backend, extensions *ext.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	return &Service{backend: b, extensions: extensions, logger: logger}
}

// List returns dead jobs, oldest first.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	jobs, err := s.backend.List(ctx, backend.ListOpts{
		State:  job.StateDead,
		Queue:  opts.Queue,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, EntryFromJob(j))
	}
	return out, nil
}

// Get returns one dead job. A job in any other state is reported as
// jobq.ErrInvalidState.
func (s *Service) Get(ctx context.Context, jobID id.JobID) (*Entry, error) {
	j, err := s.dead(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return EntryFromJob(j), nil
}

// Count returns the number of dead jobs, optionally for one queue.
func (s *Service) Count(ctx context.Context, queue string) (int64, error) {
	return s.backend.Count(ctx, backend.CountOpts{State: job.StateDead, Queue: queue})
}

// Replay enqueues a dead job again as a new pending job with a fresh id,
// the same queue, payload, attempt budget and timeout, then deletes the
// dead job. If the delete fails the new job is still returned together
// with the error; the dead copy stays until purged.
func (s *Service) Replay(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	dead, err := s.dead(ctx, jobID)
	if err != nil {
		return nil, err
	}

	opts := []job.Option{job.WithMaxAttempts(dead.MaxAttempts)}
	if dead.Timeout > 0 {
		opts = append(opts, job.WithTimeout(dead.Timeout))
	}
	j, err := job.New(dead.Queue, dead.Payload, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Enqueue(ctx, j); err != nil {
		return nil, fmt.Errorf("replay %s: %w", jobID, err)
	}

	s.logger.Info("replayed dead job",
		slog.String("job_id", jobID.String()),
		slog.String("new_job_id", j.ID.String()),
		slog.String("queue", j.Queue),
	)
	s.extensions.EmitJobReplayed(ctx, jobID, j.ID)

	if err := s.backend.Delete(ctx, jobID); err != nil {
		return j, fmt.Errorf("replay %s: delete dead job: %w", jobID, err)
	}
	return j, nil
}

// Purge deletes dead jobs last updated before cutoff, optionally for one
// queue. A zero cutoff purges every dead job.
func (s *Service) Purge(ctx context.Context, queue string, before time.Time) (int64, error) {
	n, err := s.backend.Purge(ctx, backend.PurgeOpts{State: job.StateDead, Queue: queue, Before: before})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged dead jobs", slog.Int64("count", n), slog.String("queue", queue))
		s.extensions.EmitJobsPurged(ctx, job.StateDead, n)
	}
	return n, nil
}

func (s *Service) dead(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := s.backend.Inspect(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != job.StateDead {
		return nil, fmt.Errorf("%w: job %s is %s, not dead", jobq.ErrInvalidState, jobID, j.State)
	}
	return j, nil
}
