package queue

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-queue limits.
type Config struct {
	// Name is the queue identifier (must match the job.Queue field).
	Name string

	// MaxConcurrency limits how many jobs from this queue may run
	// simultaneously in the local worker pool. Zero means no
	// queue-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second started from
	// this queue. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// queueState tracks runtime state for a single queue.
type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
	// wake is closed and replaced whenever a slot is released.
	wake chan struct{}
}

// Manager enforces per-queue rate limits and concurrency caps in the
// worker pool. It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager creates a Manager with the given queue configurations.
// Queues not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{queues: make(map[string]*queueState, len(configs))}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg, wake: make(chan struct{})}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Ready filters queues down to those that can start a job right now, so
// workers do not claim jobs they would have to hold. An empty input means
// "every queue" and is returned unchanged; limits are then enforced only
// by Acquire.
func (m *Manager) Ready(queues []string) []string {
	if len(queues) == 0 {
		return queues
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(queues))
	for _, q := range queues {
		qs := m.queues[q]
		if qs != nil {
			if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
				continue
			}
			if qs.limiter != nil && qs.limiter.Tokens() < 1 {
				continue
			}
		}
		out = append(out, q)
	}
	return out
}

// Acquire blocks until the queue's rate limiter grants a token and a
// concurrency slot is free, or ctx is done. On success the caller MUST
// call Release when the job finishes.
func (m *Manager) Acquire(ctx context.Context, queue string) error {
	m.mu.Lock()
	qs := m.queues[queue]
	m.mu.Unlock()
	if qs == nil {
		return nil
	}

	if qs.limiter != nil {
		if err := qs.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	for {
		m.mu.Lock()
		// The config may have been replaced while waiting.
		qs = m.queues[queue]
		if qs == nil || qs.config.MaxConcurrency <= 0 || qs.active < qs.config.MaxConcurrency {
			if qs != nil {
				qs.active++
			}
			m.mu.Unlock()
			return nil
		}
		wake := qs.wake
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// TryAcquire is the non-blocking form of Acquire.
func (m *Manager) TryAcquire(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs == nil {
		return true
	}
	if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
		return false
	}
	if qs.limiter != nil && !qs.limiter.Allow() {
		return false
	}
	qs.active++
	return true
}

// Release returns the concurrency slot taken by Acquire.
func (m *Manager) Release(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
		close(qs.wake)
		qs.wake = make(chan struct{})
	}
}

// SetQueueConfig dynamically updates (or creates) a queue configuration.
func (m *Manager) SetQueueConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := newQueueState(cfg)
	if existing := m.queues[cfg.Name]; existing != nil {
		qs.active = existing.active
		// Wake waiters so they re-check against the new limit.
		close(existing.wake)
	}
	m.queues[cfg.Name] = qs
}

// ActiveCount returns the current number of active jobs for a queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
