package job

import (
	"fmt"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting to be claimed.
	StatePending State = "pending"
	// StateClaimed means a worker owns the job but has not started it.
	StateClaimed State = "claimed"
	// StateRunning means the owning worker is executing the handler.
	StateRunning State = "running"
	// StateCompleted means the handler succeeded.
	StateCompleted State = "completed"
	// StateFailed means the last attempt failed and the job will become
	// claimable again once RetryAfter has passed.
	StateFailed State = "failed"
	// StateDead means the attempt budget is spent. Dead jobs are kept for
	// inspection until replayed or purged.
	StateDead State = "dead"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateClaimed, StateRunning, StateCompleted, StateFailed, StateDead}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDead
}

// ParseState parses a state name. The empty string parses to "" with no
// error so it can be used as "any state" in filters.
func ParseState(s string) (State, error) {
	st := State(s)
	if s == "" || st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown state %q", jobq.ErrInvalidJob, s)
}

// Job is a unit of deferred work.
type Job struct {
	ID          id.JobID `json:"id"`
	Queue       string   `json:"queue"`
	Payload     []byte   `json:"payload"`
	State       State    `json:"state"`
	Attempts    int      `json:"attempts"`
	MaxAttempts int      `json:"max_attempts"`
	LastError   string   `json:"last_error,omitempty"`

	// ClaimedBy is the worker currently holding the job. It is cleared when
	// the job leaves the claimed/running states.
	ClaimedBy id.WorkerID `json:"claimed_by,omitempty"`

	// Timeout is the per-job execution deadline. Zero uses the pool default.
	Timeout time.Duration `json:"timeout,omitempty"`

	RunAt          time.Time  `json:"run_at"`
	RetryAfter     *time.Time `json:"retry_after,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// New builds a pending job for queue. The payload is stored as given.
func New(queue string, payload []byte, opts ...Option) (*Job, error) {
	return NewAt(time.Now().UTC(), queue, payload, opts...)
}

// NewAt is New with an explicit creation time.
func NewAt(now time.Time, queue string, payload []byte, opts ...Option) (*Job, error) {
	if queue == "" {
		return nil, fmt.Errorf("%w: empty queue name", jobq.ErrInvalidJob)
	}
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be at least 1, got %d", jobq.ErrInvalidJob, o.MaxAttempts)
	}
	if o.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout", jobq.ErrInvalidJob)
	}

	runAt := now
	switch {
	case !o.RunAt.IsZero():
		runAt = o.RunAt.UTC()
	case o.Delay > 0:
		runAt = now.Add(o.Delay)
	}

	return &Job{
		ID:          id.NewJobID(),
		Queue:       queue,
		Payload:     payload,
		State:       StatePending,
		MaxAttempts: o.MaxAttempts,
		Timeout:     o.Timeout,
		RunAt:       runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Clone returns a deep copy of j, safe to hand to another goroutine.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	c.RetryAfter = cloneTime(j.RetryAfter)
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	c.ClaimedAt = cloneTime(j.ClaimedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
