package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/engine"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd(configPath *string) *cobra.Command {
	var (
		maxAttempts int
		delay       time.Duration
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue <queue> <json-payload>",
		Short: "Enqueue one job; the JSON payload is re-encoded with the configured codec",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("payload is not valid JSON: %w", err)
			}

			rt, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			var opts []job.Option
			if maxAttempts > 0 {
				opts = append(opts, job.WithMaxAttempts(maxAttempts))
			}
			if delay > 0 {
				opts = append(opts, job.WithDelay(delay))
			}
			if timeout > 0 {
				opts = append(opts, job.WithTimeout(timeout))
			}

			jobID, err := engine.Enqueue(cmd.Context(), rt.eng, args[0], payload, opts...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), jobID.String())
			return err
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (default 3)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "postpone the first claim")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "handler deadline for this job")
	return cmd
}

// ── inspect ───────────────────────────────────────────────────────────────────

func inspectCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := id.ParseJobID(args[0])
			if err != nil {
				return err
			}

			rt, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			j, err := rt.eng.Inspect(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
}

// ── list ──────────────────────────────────────────────────────────────────────

func listCmd(configPath *string) *cobra.Command {
	var (
		state  string
		queue  string
		limit  int
		offset int
		counts bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := job.ParseState(state)
			if err != nil {
				return err
			}

			rt, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			if counts {
				stats, err := rt.eng.Stats(cmd.Context(), queue)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			}

			jobs, err := rt.eng.List(cmd.Context(), backend.ListOpts{
				State:  st,
				Queue:  queue,
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&queue, "queue", "", "filter by queue")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to print, 0 for all")
	cmd.Flags().IntVar(&offset, "offset", 0, "jobs to skip")
	cmd.Flags().BoolVar(&counts, "counts", false, "print counts per state instead of jobs")
	return cmd
}
