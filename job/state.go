package job

import (
	"fmt"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backoff"
	"github.com/xraph/jobq/id"
)

// The transitions below are the only way job state changes. Every backend
// loads a job, applies one of them, and persists the result, so all
// backends share one state machine:
//
//	pending ─Claim→ claimed ─MarkRunning→ running ─Complete→ completed
//	                   │                     │
//	                   └──────── Fail ───────┴→ failed ─Requeue→ pending
//	                                         └→ dead (attempts == max)
//
// A failed job whose RetryAfter has passed may also be claimed directly.

func invalid(j *Job, op string) error {
	return fmt.Errorf("%w: %s job %s in state %s", jobq.ErrInvalidState, op, j.ID, j.State)
}

// Claimable reports whether the job may be claimed at now.
func (j *Job) Claimable(now time.Time) bool {
	switch j.State {
	case StatePending:
		return !j.RunAt.After(now)
	case StateFailed:
		return j.Attempts < j.MaxAttempts && (j.RetryAfter == nil || !j.RetryAfter.After(now))
	default:
		return false
	}
}

// ReadyAt returns the earliest time the job becomes claimable, or the zero
// time when it never will be without operator action.
func (j *Job) ReadyAt() time.Time {
	switch j.State {
	case StatePending:
		return j.RunAt
	case StateFailed:
		if j.Attempts >= j.MaxAttempts {
			return time.Time{}
		}
		if j.RetryAfter != nil {
			return *j.RetryAfter
		}
		return j.UpdatedAt
	default:
		return time.Time{}
	}
}

// Claim transfers ownership to worker. lease is the visibility window; a
// zero lease leaves LeaseExpiresAt unset. ClaimedAt keeps the first claim.
func (j *Job) Claim(worker id.WorkerID, now time.Time, lease time.Duration) error {
	if !j.Claimable(now) {
		return invalid(j, "claim")
	}
	j.State = StateClaimed
	j.ClaimedBy = worker
	j.RetryAfter = nil
	if j.ClaimedAt == nil {
		j.ClaimedAt = &now
	}
	j.setLease(now, lease)
	j.UpdatedAt = now
	return nil
}

// MarkRunning records that the holder started the handler.
func (j *Job) MarkRunning(worker id.WorkerID, now time.Time) error {
	if j.State != StateClaimed || !j.heldBy(worker) {
		return invalid(j, "start")
	}
	j.State = StateRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// Extend renews the lease of a claimed or running job.
func (j *Job) Extend(worker id.WorkerID, now time.Time, lease time.Duration) error {
	if (j.State != StateClaimed && j.State != StateRunning) || !j.heldBy(worker) {
		return invalid(j, "heartbeat")
	}
	j.setLease(now, lease)
	j.UpdatedAt = now
	return nil
}

// Complete marks the job completed on behalf of worker. Completing a
// completed job is a no-op and reports changed=false. A worker that no
// longer holds the job gets ErrInvalidState; a nil worker skips the
// ownership check.
func (j *Job) Complete(worker id.WorkerID, now time.Time) (changed bool, err error) {
	switch j.State {
	case StateCompleted:
		return false, nil
	case StateClaimed, StateRunning:
		if !j.heldBy(worker) {
			return false, invalid(j, "complete")
		}
	default:
		return false, invalid(j, "complete")
	}
	j.State = StateCompleted
	j.CompletedAt = &now
	j.release()
	j.UpdatedAt = now
	return true, nil
}

// Fail records a failed attempt by worker. With budget left the job becomes
// failed and claimable again at now + bo.Delay(Attempts); otherwise it is
// dead. The reaper fails expired leases with a nil worker.
func (j *Job) Fail(worker id.WorkerID, now time.Time, reason string, bo backoff.Strategy) error {
	if (j.State != StateClaimed && j.State != StateRunning) || !j.heldBy(worker) {
		return invalid(j, "fail")
	}
	j.Attempts++
	j.LastError = reason
	j.release()
	j.UpdatedAt = now

	if j.Attempts >= j.MaxAttempts {
		j.Attempts = j.MaxAttempts
		j.State = StateDead
		j.RetryAfter = nil
		return nil
	}
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	retryAt := now.Add(bo.Delay(j.Attempts))
	j.State = StateFailed
	j.RetryAfter = &retryAt
	return nil
}

// Requeue moves a failed job whose backoff has expired back to pending.
func (j *Job) Requeue(now time.Time) error {
	if j.State != StateFailed || !j.Claimable(now) {
		return invalid(j, "requeue")
	}
	j.State = StatePending
	j.RunAt = now
	j.RetryAfter = nil
	j.UpdatedAt = now
	return nil
}

// LeaseExpired reports whether a claimed or running job has outlived its
// visibility window.
func (j *Job) LeaseExpired(now time.Time) bool {
	if j.State != StateClaimed && j.State != StateRunning {
		return false
	}
	return j.LeaseExpiresAt != nil && now.After(*j.LeaseExpiresAt)
}

func (j *Job) heldBy(worker id.WorkerID) bool {
	return worker.IsNil() || j.ClaimedBy.String() == worker.String()
}

func (j *Job) setLease(now time.Time, lease time.Duration) {
	if lease <= 0 {
		j.LeaseExpiresAt = nil
		return
	}
	exp := now.Add(lease)
	j.LeaseExpiresAt = &exp
}

func (j *Job) release() {
	j.ClaimedBy = id.Nil
	j.LeaseExpiresAt = nil
}
