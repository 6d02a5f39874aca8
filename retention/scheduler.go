package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/job"
)

// DefaultSchedule runs the purge at the top of every hour.
const DefaultSchedule = "@hourly"

// Emitter emits purge events. *ext.Registry satisfies it.
type Emitter interface {
	EmitJobsPurged(ctx context.Context, state job.State, n int64)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSchedule sets the cron expression. Standard 5-field expressions and
// descriptors such as "@every 30m" are accepted.
func WithSchedule(expr string) Option {
	return func(s *Scheduler) { s.expr = expr }
}

// WithCompletedRetention sets how long completed jobs are kept. Zero
// disables purging completed jobs.
func WithCompletedRetention(d time.Duration) Option {
	return func(s *Scheduler) { s.completed = d }
}

// WithDeadRetention sets how long dead jobs are kept. Zero (the default)
// keeps dead jobs until an operator purges them.
func WithDeadRetention(d time.Duration) Option {
	return func(s *Scheduler) { s.dead = d }
}

// WithEmitter sets the purge event emitter.
func WithEmitter(e Emitter) Option {
	return func(s *Scheduler) { s.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler deletes completed (and optionally dead) jobs older than their
// retention window. Purges are idempotent, so several processes may run
// the same schedule against one backend.
type Scheduler struct {
	backend   backend.Backend
	emitter   Emitter
	logger    *slog.Logger
	expr      string
	schedule  cronlib.Schedule
	completed time.Duration
	dead      time.Duration
	now       func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler. It fails when the schedule does not
// parse.
func NewScheduler(b backend.Backend, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		backend:   b,
		logger:    slog.Default(),
		expr:      DefaultSchedule,
		completed: 7 * 24 * time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	sched, err := ParseSchedule(s.expr)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", s.expr, err)
	}
	s.schedule = sched
	return s, nil
}

// Start launches the schedule loop. Starting twice is a no-op.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop()
	s.logger.Info("retention scheduler started",
		slog.String("schedule", s.expr),
		slog.Duration("completed_retention", s.completed),
		slog.Duration("dead_retention", s.dead),
	)
	return nil
}

// Stop ends the loop and waits for a running purge to return.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
	return nil
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		now := s.now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.RunOnce(context.Background()); err != nil {
				s.logger.Error("retention purge failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Result reports how many jobs one purge deleted.
type Result struct {
	Completed int64
	Dead      int64
}

// RunOnce purges expired jobs immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	now := s.now()

	if s.completed > 0 {
		n, err := s.purge(ctx, job.StateCompleted, now.Add(-s.completed))
		if err != nil {
			return res, err
		}
		res.Completed = n
	}
	if s.dead > 0 {
		n, err := s.purge(ctx, job.StateDead, now.Add(-s.dead))
		if err != nil {
			return res, err
		}
		res.Dead = n
	}
	return res, nil
}

func (s *Scheduler) purge(ctx context.Context, state job.State, before time.Time) (int64, error) {
	n, err := s.backend.Purge(ctx, backend.PurgeOpts{State: state, Before: before})
	if err != nil {
		return 0, fmt.Errorf("purge %s jobs: %w", state, err)
	}
	if n == 0 {
		return 0, nil
	}
	s.logger.Info("purged expired jobs",
		slog.String("state", string(state)),
		slog.Int64("count", n),
		slog.Time("before", before),
	)
	if s.emitter != nil {
		s.emitter.EmitJobsPurged(ctx, state, n)
	}
	return n, nil
}
