package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// jobValues returns the insert arguments in jobColumns order.
func jobValues(j *job.Job) []any {
	return []any{
		j.ID.String(), j.Queue, j.Payload, string(j.State),
		j.Attempts, j.MaxAttempts, j.LastError, j.ClaimedBy.String(),
		j.Timeout.Nanoseconds(), j.RunAt, j.RetryAfter, j.LeaseExpiresAt, j.CreatedAt,
		j.ClaimedAt, j.StartedAt, j.CompletedAt, j.UpdatedAt,
	}
}

// copyColumns is jobColumns as a slice for CopyFrom.
var copyColumns = []string{
	"id", "queue", "payload", "state", "attempts", "max_attempts", "last_error", "claimed_by",
	"timeout_ns", "run_at", "retry_after", "lease_expires_at", "created_at",
	"claimed_at", "started_at", "completed_at", "updated_at",
}

// scanJob scans a single job row. extra receives trailing columns.
func scanJob(row pgx.Row, extra ...any) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		stateStr  string
		workerStr string
		timeoutNs int64
	)
	dest := []any{
		&idStr, &j.Queue, &j.Payload, &stateStr,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &workerStr,
		&timeoutNs, &j.RunAt, &j.RetryAfter, &j.LeaseExpiresAt, &j.CreatedAt,
		&j.ClaimedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	j.State = job.State(stateStr)
	j.Timeout = time.Duration(timeoutNs)

	parsedID, err := id.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("jobq/postgres: parse job id %q: %w", idStr, err)
	}
	j.ID = parsedID

	if workerStr != "" {
		if parsedWorker, workerErr := id.ParseWorkerID(workerStr); workerErr == nil {
			j.ClaimedBy = parsedWorker
		}
	}

	normalize(&j)
	return &j, nil
}

// normalize converts every timestamp to UTC.
func normalize(j *job.Job) {
	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	for _, t := range []*time.Time{j.RetryAfter, j.LeaseExpiresAt, j.ClaimedAt, j.StartedAt, j.CompletedAt} {
		if t != nil {
			*t = t.UTC()
		}
	}
}

// collectJobs collects all jobs from query rows. It returns an empty,
// non-nil slice when there are none.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	jobs := []*job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}
