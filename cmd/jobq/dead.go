package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/jobq/dlq"
	"github.com/xraph/jobq/id"
)

func deadCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Inspect and manage dead jobs",
	}
	cmd.AddCommand(deadListCmd(configPath), deadReplayCmd(configPath), deadPurgeCmd(configPath))
	return cmd
}

func deadListCmd(configPath *string) *cobra.Command {
	var (
		queue  string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead jobs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			entries, err := rt.eng.DLQ().List(cmd.Context(), dlq.ListOpts{Queue: queue, Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "filter by queue")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to print, 0 for all")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}

func deadReplayCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <job-id>...",
		Short: "Re-enqueue dead jobs as new pending jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]id.JobID, 0, len(args))
			for _, arg := range args {
				jobID, err := id.ParseJobID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, jobID)
			}

			rt, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			for _, jobID := range ids {
				j, err := rt.eng.DLQ().Replay(cmd.Context(), jobID)
				if err != nil && j == nil {
					return err
				}
				if err != nil {
					rt.logger.Warn("replayed but dead copy kept", "job_id", jobID.String(), "error", err)
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", jobID, j.ID); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func deadPurgeCmd(configPath *string) *cobra.Command {
	var (
		queue     string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			var before time.Time
			if olderThan > 0 {
				before = time.Now().UTC().Add(-olderThan)
			}
			n, err := rt.eng.DLQ().Purge(cmd.Context(), queue, before)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %d dead jobs\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "limit to one queue")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only jobs dead for longer than this")
	return cmd
}
