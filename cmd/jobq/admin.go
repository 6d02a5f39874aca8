package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/setup"
)

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the backend schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cfg.Database.Migrate = false

			b, err := setup.OpenBackend(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			m, ok := b.(backend.Migrator)
			if !ok {
				logger.Info("backend has no schema", slog.String("backend", b.Name()))
				return nil
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", slog.String("backend", b.Name()))
			return nil
		},
	}
}

// ── config ────────────────────────────────────────────────────────────────────

func configCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML, secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
