package jobq

import (
	"errors"
	"fmt"

	"github.com/xraph/jobq/id"
)

var (
	// ErrBackendUnavailable is returned when the store or broker cannot be
	// reached. It is transient: callers retry with backoff and it is never
	// recorded as a job failure.
	ErrBackendUnavailable = errors.New("jobq: backend unavailable")
	ErrBackendClosed      = errors.New("jobq: backend closed")
	ErrUnknownBackend     = errors.New("jobq: unknown backend kind")

	ErrJobNotFound = errors.New("jobq: job not found")

	// ErrNoHandlerRegistered fails a claimed job whose queue has no handler.
	// The job goes through normal retry accounting.
	ErrNoHandlerRegistered = errors.New("jobq: no handler registered")

	// ErrTimeout is the cause of a HandlerError when the per-job execution
	// deadline passed before the handler returned.
	ErrTimeout = errors.New("jobq: job timed out")

	// ErrClaimConflict reports that another worker won the race for a job.
	// Backends resolve it internally; Claim never returns it.
	ErrClaimConflict = errors.New("jobq: claim conflict")

	ErrInvalidState = errors.New("jobq: invalid state transition")
	ErrInvalidJob   = errors.New("jobq: invalid job")
)

// HandlerError wraps an error returned by (or on behalf of) a job handler.
// It counts against the job's attempt budget.
type HandlerError struct {
	Queue string
	JobID id.JobID
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("jobq: handler for queue %q failed on %s: %v", e.Queue, e.JobID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Unavailable wraps err so that errors.Is(err, ErrBackendUnavailable) holds
// while keeping the original cause in the chain.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}

// IsUnavailable reports whether err is a transient backend error.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
