// Command jobq runs and operates the job queue.
//
// Subcommands:
//
//	worker   worker pool only
//	serve    worker pool plus the admin HTTP API
//	enqueue  enqueue one job
//	inspect  show one job
//	list     list jobs by state and queue
//	dead     list, replay and purge dead jobs
//	migrate  create the buffered-db schema and exit
//	config   print the effective configuration with secrets masked
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	audithook "github.com/xraph/jobq/audit_hook"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/config"
	"github.com/xraph/jobq/engine"
	"github.com/xraph/jobq/handlers"
	"github.com/xraph/jobq/setup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "jobq",
		Short: "jobq: asynchronous job queue with pluggable backends",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $JOBQ_CONFIG_FILE)")

	root.AddCommand(
		workerCmd(&configPath),
		serveCmd(&configPath),
		enqueueCmd(&configPath),
		inspectCmd(&configPath),
		listCmd(&configPath),
		deadCmd(&configPath),
		migrateCmd(&configPath),
		configCmd(&configPath),
	)
	return root
}

// runtime is everything a subcommand needs: configuration, logger, an
// open backend and an engine over it with every handler registered.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	b      backend.Backend
	eng    *engine.Engine
}

func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func open(ctx context.Context, path string, extra ...engine.Option) (*runtime, error) {
	cfg, logger, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	b, err := setup.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := append(cfg.EngineOptions(logger), extra...)
	if cfg.Audit {
		opts = append(opts, engine.WithExtension(audithook.New(audithook.SlogRecorder(logger), audithook.WithLogger(logger))))
	}
	eng, err := engine.New(b, opts...)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}
	handlers.RegisterAll(eng, cfg.Email, logger)

	return &runtime{cfg: cfg, logger: logger, b: b, eng: eng}, nil
}

func (rt *runtime) close() {
	if err := rt.b.Close(); err != nil {
		rt.logger.Warn("close backend", slog.String("error", err.Error()))
	}
}

// newRegistry returns a prometheus registry with the Go runtime and
// process collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
