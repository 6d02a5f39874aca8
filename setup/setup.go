// Package setup opens the backend named by the configuration. It is the
// only place that knows every backend implementation; the engine and the
// worker pool see only backend.Backend.
package setup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/backend/memory"
	"github.com/xraph/jobq/backend/postgres"
	"github.com/xraph/jobq/backend/redis"
	"github.com/xraph/jobq/config"
)

// OpenBackend connects the backend selected by cfg.Backend. The choice is
// made once per process; the caller closes the returned backend.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("backend", string(cfg.Backend)))

	switch cfg.Backend {
	case config.BackendBufferedDB:
		return openPostgres(ctx, cfg, logger)

	case config.BackendBroker:
		b, err := redis.New(ctx, redis.ClientConfig{
			Host:     cfg.Broker.Host,
			Port:     cfg.Broker.Port,
			Username: cfg.Broker.Username,
			Password: cfg.Broker.Password,
			DB:       cfg.Broker.DB,
		},
			redis.WithLogger(logger),
			redis.WithBackoff(cfg.RetryStrategy()),
			redis.WithVisibilityTimeout(cfg.VisibilityTimeout),
			redis.WithBlockTimeout(cfg.Broker.BlockTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("open broker backend: %w", err)
		}
		logger.Info("backend ready", slog.String("addr", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port)))
		return b, nil

	case config.BackendMemory:
		logger.Warn("using the in-memory backend; jobs do not survive a restart")
		return memory.New(
			memory.WithLogger(logger),
			memory.WithBackoff(cfg.RetryStrategy()),
			memory.WithVisibilityTimeout(cfg.VisibilityTimeout),
		), nil

	default:
		return nil, fmt.Errorf("%w: %q", jobq.ErrUnknownBackend, cfg.Backend)
	}
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	opts := []postgres.Option{
		postgres.WithLogger(logger),
		postgres.WithBackoff(cfg.RetryStrategy()),
		postgres.WithVisibilityTimeout(cfg.VisibilityTimeout),
	}
	if cfg.Database.UseBufferedMode {
		opts = append(opts, postgres.WithBufferedMode(cfg.Database.MaxBatchSize, cfg.Database.MaxBatchDelay))
	}

	b, err := postgres.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, opts...)
	if err != nil {
		return nil, fmt.Errorf("open buffered-db backend: %w", err)
	}
	if cfg.Database.Migrate {
		if err := b.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("migrate buffered-db backend: %w", err)
		}
	}
	logger.Info("backend ready",
		slog.Int("max_conns", int(cfg.Database.MaxConns)),
		slog.Bool("buffered", cfg.Database.UseBufferedMode),
	)
	return b, nil
}
