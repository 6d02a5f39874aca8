package dlq

import (
	"time"

	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Entry is the operator view of a dead job: everything needed to decide
// whether to replay or purge it.
type Entry struct {
	JobID       id.JobID  `json:"job_id"`
	Queue       string    `json:"queue"`
	Payload     []byte    `json:"payload"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
	FailedAt    time.Time `json:"failed_at"`
}

// EntryFromJob builds an Entry from a dead job.
func EntryFromJob(j *job.Job) *Entry {
	return &Entry{
		JobID:       j.ID,
		Queue:       j.Queue,
		Payload:     j.Payload,
		Error:       j.LastError,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		FailedAt:    j.UpdatedAt,
	}
}
