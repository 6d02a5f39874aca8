package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

const jobColumns = `
	id, queue, payload, state, attempts, max_attempts, last_error, claimed_by,
	timeout_ns, run_at, retry_after, lease_expires_at, created_at,
	claimed_at, started_at, completed_at, updated_at`

// claimableSQL mirrors (*job.Job).Claimable.
const claimableSQL = `(
	(state = 'pending' AND run_at <= NOW())
	OR (state = 'failed' AND attempts < max_attempts
		AND (retry_after IS NULL OR retry_after <= NOW()))
)`

// Enqueue inserts the job, directly or through the group-commit buffer.
func (b *Backend) Enqueue(ctx context.Context, j *job.Job) error {
	if err := b.check("enqueue"); err != nil {
		return err
	}
	if b.buf != nil {
		return b.buf.add(ctx, j)
	}
	_, err := b.pool.Exec(ctx, `
		INSERT INTO jobq_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		jobValues(j)...,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("jobq/postgres: enqueue %s: %w: duplicate id", j.ID, jobq.ErrInvalidJob)
		}
		return mapErr("enqueue", err)
	}
	return nil
}

// Claim moves up to limit claimable jobs to claimed in one statement. The
// SET clause mirrors (*job.Job).Claim: ClaimedAt keeps the first claim.
func (b *Backend) Claim(ctx context.Context, queues []string, limit int, worker id.WorkerID) ([]*job.Job, error) {
	if err := b.check("claim"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []*job.Job{}, nil
	}
	if queues == nil {
		queues = []string{}
	}
	rows, err := b.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE jobq_jobs SET
				state = 'claimed',
				claimed_by = $3,
				claimed_at = COALESCE(claimed_at, NOW()),
				lease_expires_at = CASE WHEN $4::float8 > 0
					THEN NOW() + make_interval(secs => $4::float8) END,
				retry_after = NULL,
				updated_at = NOW()
			WHERE id IN (
				SELECT id FROM jobq_jobs
				WHERE (cardinality($1::text[]) = 0 OR queue = ANY($1::text[]))
				  AND `+claimableSQL+`
				ORDER BY created_at ASC, id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+jobColumns+`
		)
		SELECT `+jobColumns+` FROM claimed ORDER BY created_at ASC, id ASC`,
		queues, limit, worker.String(), b.lease.Seconds(),
	)
	if err != nil {
		return nil, mapErr("claim", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, mapErr("claim", err)
	}
	return jobs, nil
}

// MarkRunning moves a claimed job to running.
func (b *Backend) MarkRunning(ctx context.Context, jobID id.JobID, worker id.WorkerID) error {
	_, err := b.transition(ctx, "mark running", jobID, func(j *job.Job, now time.Time) (bool, error) {
		return true, j.MarkRunning(worker, now)
	})
	return err
}

// Heartbeat renews the lease.
func (b *Backend) Heartbeat(ctx context.Context, jobID id.JobID, worker id.WorkerID) error {
	_, err := b.transition(ctx, "heartbeat", jobID, func(j *job.Job, now time.Time) (bool, error) {
		return true, j.Extend(worker, now, b.lease)
	})
	return err
}

// Acknowledge completes the job held by worker. A completed job is left
// untouched.
func (b *Backend) Acknowledge(ctx context.Context, jobID id.JobID, worker id.WorkerID) error {
	_, err := b.transition(ctx, "acknowledge", jobID, func(j *job.Job, now time.Time) (bool, error) {
		return j.Complete(worker, now)
	})
	return err
}

// Fail records a failed attempt under a row lock.
func (b *Backend) Fail(ctx context.Context, jobID id.JobID, worker id.WorkerID, reason string) (*job.Job, error) {
	return b.transition(ctx, "fail", jobID, func(j *job.Job, now time.Time) (bool, error) {
		return true, j.Fail(worker, now, reason, b.bo)
	})
}

// transition locks the row, applies fn with the database clock, and writes
// the result back when fn reports a change. One connection is held for the
// duration of the short transaction.
func (b *Backend) transition(ctx context.Context, op string, jobID id.JobID, fn func(*job.Job, time.Time) (bool, error)) (*job.Job, error) {
	if err := b.check(op); err != nil {
		return nil, err
	}
	var out *job.Job
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		j, now, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		changed, err := fn(j, now)
		if err != nil {
			return err
		}
		if changed {
			if err := updateJob(ctx, tx, j); err != nil {
				return err
			}
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, mapErr(op, err)
	}
	return out, nil
}

func lockJob(ctx context.Context, tx pgx.Tx, jobID id.JobID) (*job.Job, time.Time, error) {
	var now time.Time
	j, err := scanJob(tx.QueryRow(ctx, `
		SELECT `+jobColumns+`, NOW()
		FROM jobq_jobs WHERE id = $1
		FOR UPDATE`,
		jobID.String(),
	), &now)
	if err != nil {
		if isNoRows(err) {
			return nil, now, fmt.Errorf("%w: %s", jobq.ErrJobNotFound, jobID)
		}
		return nil, now, err
	}
	return j, now.UTC(), nil
}

func updateJob(ctx context.Context, tx pgx.Tx, j *job.Job) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobq_jobs SET
			state = $2, attempts = $3, last_error = $4, claimed_by = $5,
			run_at = $6, retry_after = $7, lease_expires_at = $8,
			claimed_at = $9, started_at = $10, completed_at = $11, updated_at = $12
		WHERE id = $1`,
		j.ID.String(), string(j.State), j.Attempts, j.LastError, j.ClaimedBy.String(),
		j.RunAt, j.RetryAfter, j.LeaseExpiresAt,
		j.ClaimedAt, j.StartedAt, j.CompletedAt, j.UpdatedAt,
	)
	return err
}

// Inspect returns a snapshot of the job.
func (b *Backend) Inspect(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	if err := b.check("inspect"); err != nil {
		return nil, err
	}
	j, err := scanJob(b.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobq_jobs WHERE id = $1`,
		jobID.String(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", jobq.ErrJobNotFound, jobID)
		}
		return nil, mapErr("inspect", err)
	}
	return j, nil
}

// List returns matching jobs, oldest first.
func (b *Backend) List(ctx context.Context, opts backend.ListOpts) ([]*job.Job, error) {
	if err := b.check("list"); err != nil {
		return nil, err
	}
	where, args := filter(opts.State, opts.Queue)
	query := `SELECT ` + jobColumns + ` FROM jobq_jobs` + where + ` ORDER BY created_at ASC, id ASC`
	argIdx := len(args) + 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, mapErr("list", err)
	}
	return jobs, nil
}

// Count returns the number of matching jobs.
func (b *Backend) Count(ctx context.Context, opts backend.CountOpts) (int64, error) {
	if err := b.check("count"); err != nil {
		return 0, err
	}
	where, args := filter(opts.State, opts.Queue)
	var n int64
	if err := b.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobq_jobs`+where, args...).Scan(&n); err != nil {
		return 0, mapErr("count", err)
	}
	return n, nil
}

// Delete removes a terminal job.
func (b *Backend) Delete(ctx context.Context, jobID id.JobID) error {
	if err := b.check("delete"); err != nil {
		return err
	}
	var state string
	err := b.pool.QueryRow(ctx, `
		WITH target AS (SELECT id, state FROM jobq_jobs WHERE id = $1),
		deleted AS (
			DELETE FROM jobq_jobs WHERE id IN (
				SELECT id FROM target WHERE state IN ('completed', 'dead'))
			RETURNING id
		)
		SELECT state FROM target`,
		jobID.String(),
	).Scan(&state)
	if err != nil {
		if isNoRows(err) {
			return fmt.Errorf("%w: %s", jobq.ErrJobNotFound, jobID)
		}
		return mapErr("delete", err)
	}
	if !job.State(state).Terminal() {
		return fmt.Errorf("%w: delete job %s in state %s", jobq.ErrInvalidState, jobID, state)
	}
	return nil
}

// Reap requeues failed jobs whose backoff expired and fails claims whose
// lease ran out.
func (b *Backend) Reap(ctx context.Context) (backend.ReapResult, error) {
	var res backend.ReapResult
	if err := b.check("reap"); err != nil {
		return res, err
	}

	// Mirrors (*job.Job).Requeue.
	tag, err := b.pool.Exec(ctx, `
		UPDATE jobq_jobs SET
			state = 'pending', run_at = NOW(), retry_after = NULL, updated_at = NOW()
		WHERE state = 'failed'
		  AND attempts < max_attempts
		  AND (retry_after IS NULL OR retry_after <= NOW())`)
	if err != nil {
		return res, mapErr("reap requeue", err)
	}
	res.Requeued = int(tag.RowsAffected())

	err = pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+jobColumns+`, NOW()
			FROM jobq_jobs
			WHERE state IN ('claimed', 'running')
			  AND lease_expires_at < NOW()
			ORDER BY lease_expires_at ASC
			LIMIT 100
			FOR UPDATE SKIP LOCKED`)
		if err != nil {
			return err
		}
		var (
			expired []*job.Job
			now     time.Time
		)
		for rows.Next() {
			j, scanErr := scanJob(rows, &now)
			if scanErr != nil {
				rows.Close()
				return scanErr
			}
			expired = append(expired, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, j := range expired {
			if err := j.Fail(id.Nil, now.UTC(), backend.ReasonLeaseExpired, b.bo); err != nil {
				return err
			}
			if err := updateJob(ctx, tx, j); err != nil {
				return err
			}
			res.Expired++
			if j.State == job.StateDead {
				res.Dead++
			}
			b.logger.Warn("lease expired",
				"job_id", j.ID.String(),
				"queue", j.Queue,
				"attempts", j.Attempts,
			)
		}
		return nil
	})
	if err != nil {
		return backend.ReapResult{Requeued: res.Requeued}, mapErr("reap expired", err)
	}
	return res, nil
}

// Purge deletes terminal jobs.
func (b *Backend) Purge(ctx context.Context, opts backend.PurgeOpts) (int64, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	if err := b.check("purge"); err != nil {
		return 0, err
	}
	where, args := filter(opts.State, opts.Queue)
	if !opts.Before.IsZero() {
		where += fmt.Sprintf(" AND updated_at < $%d", len(args)+1)
		args = append(args, opts.Before)
	}
	tag, err := b.pool.Exec(ctx, `DELETE FROM jobq_jobs`+where, args...)
	if err != nil {
		return 0, mapErr("purge", err)
	}
	return tag.RowsAffected(), nil
}

// filter builds a WHERE clause that is never empty, so callers may append
// further AND conditions.
func filter(state job.State, queue string) (string, []any) {
	where := " WHERE TRUE"
	var args []any
	if state != "" {
		args = append(args, string(state))
		where += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if queue != "" {
		args = append(args, queue)
		where += fmt.Sprintf(" AND queue = $%d", len(args))
	}
	return where, args
}
