package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/jobq/api"
	"github.com/xraph/jobq/engine"
	"github.com/xraph/jobq/stream"
)

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *configPath, false)
		},
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and the admin HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *configPath, true)
		},
	}
}

func run(parent context.Context, configPath string, withAPI bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := newRegistry()
	broker := stream.NewBroker(slog.Default())
	opts := []engine.Option{engine.WithPrometheus(reg)}
	if withAPI {
		opts = append(opts, engine.WithExtension(broker))
	}
	rt, err := open(ctx, configPath, opts...)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	rt.logger.Info("worker started",
		slog.String("worker_id", rt.eng.Pool().WorkerID().String()),
		slog.String("backend", rt.b.Name()),
		slog.Int("concurrency", rt.cfg.Worker.Concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if withAPI {
		handler := api.New(rt.eng,
			api.WithLogger(rt.logger),
			api.WithGatherer(reg),
			api.WithStream(broker),
		).Handler()
		// WriteTimeout omitted: /v1/events responses are unbounded.
		srv = &http.Server{
			Addr:              rt.cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		// Disconnect event streams so Shutdown does not wait on them.
		srv.RegisterOnShutdown(func() { _ = broker.OnShutdown(context.Background()) })
		g.Go(func() error {
			rt.logger.Info("server started", slog.String("addr", rt.cfg.ListenAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		stop()

		rt.logger.Info("shutting down", slog.Duration("timeout", rt.cfg.Worker.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Worker.ShutdownTimeout)
		defer cancel()

		var errs []error
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if err := rt.eng.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("engine stop: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	rt.logger.Info("stopped")
	return nil
}
