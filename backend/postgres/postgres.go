// Package postgres implements the "buffered-db" backend on PostgreSQL
// using pgx/v5.
//
// Jobs are rows in jobq_jobs. Claim is a single UPDATE over a
// FOR UPDATE SKIP LOCKED subselect, so concurrent pollers in any number of
// processes never double-claim. Every operation acquires a pool connection
// for one statement or one short transaction and releases it immediately;
// nothing holds a connection while a handler runs, which keeps the backend
// within very small pools (the default MaxConns is 2).
//
// In buffered mode enqueues are group-committed: they are collected for up
// to MaxBatchDelay or MaxBatchSize jobs, whichever comes first, and written
// with one COPY. Enqueue still returns only after its batch is durable.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/backoff"
)

// Kind is the backend name reported by Name.
const Kind = "buffered-db"

// DefaultMaxConns is the pool ceiling used when the connection string does
// not set pool_max_conns.
const DefaultMaxConns = 2

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ backend.Backend      = (*Backend)(nil)
	_ backend.ClaimLimiter = (*Backend)(nil)
	_ backend.Migrator     = (*Backend)(nil)
)

// Backend is the PostgreSQL job queue backend.
type Backend struct {
	pool     *pgxpool.Pool
	ownsPool bool
	closed   atomic.Bool

	bo     backoff.Strategy
	lease  time.Duration
	logger *slog.Logger

	buffered      bool
	maxBatchSize  int
	maxBatchDelay time.Duration
	buf           *buffer
}

// Option configures the Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithBackoff sets the retry schedule applied by Fail.
func WithBackoff(s backoff.Strategy) Option {
	return func(b *Backend) { b.bo = s }
}

// WithVisibilityTimeout sets the lease granted by Claim and Heartbeat. A
// claim not renewed within it is failed by Reap.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Backend) { b.lease = d }
}

// WithBufferedMode enables group-committed enqueues. A batch is flushed
// once it holds maxSize jobs or maxDelay has passed since its first job.
func WithBufferedMode(maxSize int, maxDelay time.Duration) Option {
	return func(b *Backend) {
		b.buffered = true
		b.maxBatchSize = maxSize
		b.maxBatchDelay = maxDelay
	}
}

// New connects to PostgreSQL. The pool is capped at maxConns connections;
// zero keeps pool_max_conns from the connection string or DefaultMaxConns.
func New(ctx context.Context, connString string, maxConns int32, opts ...Option) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("jobq/postgres: parse config: %w", err)
	}
	switch {
	case maxConns > 0:
		cfg.MaxConns = maxConns
	case !strings.Contains(connString, "pool_max_conns"):
		cfg.MaxConns = DefaultMaxConns
	}
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, mapErr("connect", err)
	}

	b := NewFromPool(pool, opts...)
	b.ownsPool = true
	return b, nil
}

// NewFromPool wraps an existing pool. The caller keeps ownership: Close
// stops the backend but does not close the pool.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Backend {
	b := &Backend{
		pool:          pool,
		bo:            backoff.DefaultStrategy(),
		lease:         5 * time.Minute,
		logger:        slog.Default(),
		maxBatchSize:  100,
		maxBatchDelay: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.buffered {
		b.buf = newBuffer(b, b.maxBatchSize, b.maxBatchDelay)
	}
	return b
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return Kind }

// ClaimConcurrency reports the pool ceiling. Each claim holds one
// connection for one statement.
func (b *Backend) ClaimConcurrency() int {
	return int(b.pool.Config().MaxConns)
}

// Migrate runs all embedded SQL migration files in order.
func (b *Backend) Migrate(ctx context.Context) error {
	if err := b.check("migrate"); err != nil {
		return err
	}
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS jobq_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return mapErr("create migrations table", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("jobq/postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied bool
		err = b.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM jobq_migrations WHERE filename = $1)`,
			entry.Name(),
		).Scan(&applied)
		if err != nil {
			return mapErr("check migration "+entry.Name(), err)
		}
		if applied {
			continue
		}

		data, readErr := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if readErr != nil {
			return fmt.Errorf("jobq/postgres: read migration %s: %w", entry.Name(), readErr)
		}

		tx, txErr := b.pool.Begin(ctx)
		if txErr != nil {
			return mapErr("begin migration "+entry.Name(), txErr)
		}
		if _, execErr := tx.Exec(ctx, string(data)); execErr != nil {
			_ = tx.Rollback(ctx)
			return mapErr("execute migration "+entry.Name(), execErr)
		}
		if _, recErr := tx.Exec(ctx,
			`INSERT INTO jobq_migrations (filename) VALUES ($1)`,
			entry.Name(),
		); recErr != nil {
			_ = tx.Rollback(ctx)
			return mapErr("record migration "+entry.Name(), recErr)
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return mapErr("commit migration "+entry.Name(), commitErr)
		}

		b.logger.Info("applied migration", "file", entry.Name())
	}

	return nil
}

// Ping checks database connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.check("ping"); err != nil {
		return err
	}
	if err := b.pool.Ping(ctx); err != nil {
		return jobq.Unavailable("jobq/postgres: ping", err)
	}
	return nil
}

// Close flushes any buffered enqueues and, if the backend opened the pool,
// closes it.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.buf != nil {
		b.buf.close()
	}
	if b.ownsPool {
		b.pool.Close()
	}
	return nil
}

// Pool returns the underlying pool for advanced usage.
func (b *Backend) Pool() *pgxpool.Pool {
	return b.pool
}

func (b *Backend) check(op string) error {
	if b.closed.Load() {
		return fmt.Errorf("jobq/postgres: %s: %w", op, jobq.ErrBackendClosed)
	}
	return nil
}
