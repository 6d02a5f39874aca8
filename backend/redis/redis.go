// Package redis implements the "broker" backend on Redis Streams.
//
// Each job is a hash (jobq:job:{id}) carrying attempts, backoff and
// timestamps. Ready jobs are delivered through one stream per queue read
// by the consumer group "jobq"; delayed and retrying jobs wait in a sorted
// set per queue and are promoted into the stream by Reap. A delivery that
// stays unacknowledged longer than the visibility timeout is taken over by
// Reap with XAUTOCLAIM and counted as a failed attempt.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	b := redis.NewFromClient(client, redis.WithVisibilityTimeout(time.Minute))
//	if err := b.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/backoff"
)

// Kind is the backend name reported by Name.
const Kind = "broker"

var _ backend.Backend = (*Backend)(nil)

// Backend is the Redis Streams job queue backend. One Backend, and so one
// client connection pool, is shared by every worker slot of a process.
type Backend struct {
	client      goredis.UniversalClient
	ownsClient  bool
	closed      atomic.Bool
	knownGroups sync.Map

	bo           backoff.Strategy
	lease        time.Duration
	blockTimeout time.Duration
	reapBatch    int64
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures the Backend.
type Option func(*Backend)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithBackoff sets the retry schedule applied by Fail.
func WithBackoff(s backoff.Strategy) Option {
	return func(b *Backend) { b.bo = s }
}

// WithVisibilityTimeout sets how long a delivery may stay unacknowledged
// without a heartbeat before Reap fails it.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Backend) { b.lease = d }
}

// WithBlockTimeout bounds how long Claim waits for a delivery when nothing
// is ready. Zero or negative disables blocking.
func WithBlockTimeout(d time.Duration) Option {
	return func(b *Backend) { b.blockTimeout = d }
}

// ClientConfig holds the connection settings of New.
type ClientConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	DB       int
}

// Addr returns host:port.
func (c ClientConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// New creates a client for cfg and verifies the connection. The backend
// owns the client and closes it on Close.
func New(ctx context.Context, cfg ClientConfig, opts ...Option) (*Backend, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr(),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	b := NewFromClient(client, opts...)
	b.ownsClient = true
	if err := b.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

// NewFromClient wraps an existing client. The caller owns the client
// lifecycle.
func NewFromClient(client goredis.UniversalClient, opts ...Option) *Backend {
	b := &Backend{
		client:       client,
		bo:           backoff.DefaultStrategy(),
		lease:        5 * time.Minute,
		blockTimeout: 500 * time.Millisecond,
		reapBatch:    100,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return Kind }

// Client returns the underlying Redis client.
func (b *Backend) Client() goredis.UniversalClient { return b.client }

// Ping verifies the Redis connection is alive.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.check("ping"); err != nil {
		return err
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return jobq.Unavailable("jobq/redis: ping", err)
	}
	return nil
}

// Close closes the client if the backend created it.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

func (b *Backend) check(op string) error {
	if b.closed.Load() {
		return fmt.Errorf("jobq/redis: %s: %w", op, jobq.ErrBackendClosed)
	}
	return nil
}

// ensureGroup creates the consumer group (and stream) for queue once per
// process.
func (b *Backend) ensureGroup(ctx context.Context, queue string) error {
	if _, ok := b.knownGroups.Load(queue); ok {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, streamKey(queue), consumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return mapErr("create consumer group", err)
	}
	b.knownGroups.Store(queue, struct{}{})
	return nil
}
