//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/backend/backendtest"
	"github.com/xraph/jobq/backend/postgres"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

var connString string

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("jobq_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	connString, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("get connection string: %v", err)
	}

	code := m.Run()
	if termErr := container.Terminate(ctx); termErr != nil {
		log.Printf("terminate container: %v", termErr)
	}
	os.Exit(code)
}

// openBackend returns a migrated backend over an empty jobs table.
func openBackend(t *testing.T, opts ...postgres.Option) *postgres.Backend {
	t.Helper()
	ctx := context.Background()

	opts = append([]postgres.Option{postgres.WithLogger(slog.Default())}, opts...)
	b, err := postgres.New(ctx, connString, 2, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.Migrate(ctx))
	_, err = b.Pool().Exec(ctx, `TRUNCATE jobq_jobs`)
	require.NoError(t, err)
	return b
}

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T, cfg backendtest.Config) backend.Backend {
		return openBackend(t,
			postgres.WithBackoff(cfg.Backoff),
			postgres.WithVisibilityTimeout(cfg.VisibilityTimeout),
		)
	})
}

func TestConformance_BufferedMode(t *testing.T) {
	backendtest.Run(t, func(t *testing.T, cfg backendtest.Config) backend.Backend {
		return openBackend(t,
			postgres.WithBackoff(cfg.Backoff),
			postgres.WithVisibilityTimeout(cfg.VisibilityTimeout),
			postgres.WithBufferedMode(16, 10*time.Millisecond),
		)
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	b := openBackend(t)
	require.NoError(t, b.Migrate(context.Background()))

	var n int
	err := b.Pool().QueryRow(context.Background(), `SELECT COUNT(*) FROM jobq_migrations`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPoolCeiling(t *testing.T) {
	b := openBackend(t)
	assert.Equal(t, 2, b.ClaimConcurrency())
	assert.Equal(t, int32(2), b.Pool().Stat().MaxConns())

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := job.New(fmt.Sprintf("q-%d", i%4), []byte(`{}`))
			if err != nil {
				errs <- err
				return
			}
			if err := b.Enqueue(ctx, j); err != nil {
				errs <- err
				return
			}
			if _, err := b.Claim(ctx, []string{j.Queue}, 2, id.NewWorkerID()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("operation failed under a 2-connection pool: %v", err)
	}
	assert.LessOrEqual(t, b.Pool().Stat().TotalConns(), int32(2))
}

func TestBufferedMode_FlushesOnSize(t *testing.T) {
	b := openBackend(t, postgres.WithBufferedMode(10, 5*time.Second))
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, _ := job.New("search-index", []byte(`{}`))
			assert.NoError(t, b.Enqueue(ctx, j))
		}()
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 5*time.Second, "full batches must not wait for the delay")

	n, err := b.Count(ctx, backend.CountOpts{Queue: "search-index"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

func TestBufferedMode_FlushesOnDelay(t *testing.T) {
	b := openBackend(t, postgres.WithBufferedMode(1000, 150*time.Millisecond))
	ctx := context.Background()

	j, _ := job.New("send-email", []byte(`{"to":"a@b.com"}`))
	start := time.Now()
	require.NoError(t, b.Enqueue(ctx, j))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	got, err := b.Inspect(ctx, j.ID)
	require.NoError(t, err, "enqueue must return only after the batch is durable")
	assert.Equal(t, job.StatePending, got.State)
}

func TestBufferedMode_CloseFlushes(t *testing.T) {
	b := openBackend(t, postgres.WithBufferedMode(1000, time.Hour))
	ctx := context.Background()

	j, _ := job.New("send-email", nil)
	done := make(chan error, 1)
	go func() { done <- b.Enqueue(ctx, j) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Close())
	require.NoError(t, <-done)

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	defer pool.Close()
	var state string
	require.NoError(t, pool.QueryRow(ctx, `SELECT state FROM jobq_jobs WHERE id = $1`, j.ID.String()).Scan(&state))
	assert.Equal(t, "pending", state)
}

func TestNewFromPool_DoesNotClosePool(t *testing.T) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	defer pool.Close()

	b := postgres.NewFromPool(pool)
	require.NoError(t, b.Migrate(ctx))
	require.NoError(t, b.Close())
	require.NoError(t, pool.Ping(ctx))
}
