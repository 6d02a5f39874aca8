package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// jobToMap encodes every job field. Unset optional timestamps are written
// as empty strings so an update clears them.
func jobToMap(j *job.Job) map[string]any {
	return map[string]any{
		"id":               j.ID.String(),
		"queue":            j.Queue,
		"payload":          string(j.Payload),
		"state":            string(j.State),
		"attempts":         strconv.Itoa(j.Attempts),
		"max_attempts":     strconv.Itoa(j.MaxAttempts),
		"last_error":       j.LastError,
		"claimed_by":       j.ClaimedBy.String(),
		"timeout":          strconv.FormatInt(int64(j.Timeout), 10),
		"run_at":           formatTime(j.RunAt),
		"retry_after":      formatTimePtr(j.RetryAfter),
		"lease_expires_at": formatTimePtr(j.LeaseExpiresAt),
		"created_at":       formatTime(j.CreatedAt),
		"claimed_at":       formatTimePtr(j.ClaimedAt),
		"started_at":       formatTimePtr(j.StartedAt),
		"completed_at":     formatTimePtr(j.CompletedAt),
		"updated_at":       formatTime(j.UpdatedAt),
	}
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("jobq/redis: parse job id: %w", err)
	}

	attempts, _ := strconv.Atoi(m["attempts"])          //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])   //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:          jID,
		Queue:       m["queue"],
		State:       job.State(m["state"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LastError:   m["last_error"],
		Timeout:     time.Duration(timeout),
		RunAt:       parseTime(m["run_at"]),
		CreatedAt:   parseTime(m["created_at"]),
		UpdatedAt:   parseTime(m["updated_at"]),

		RetryAfter:     parseTimePtr(m["retry_after"]),
		LeaseExpiresAt: parseTimePtr(m["lease_expires_at"]),
		ClaimedAt:      parseTimePtr(m["claimed_at"]),
		StartedAt:      parseTimePtr(m["started_at"]),
		CompletedAt:    parseTimePtr(m["completed_at"]),
	}
	if p, ok := m["payload"]; ok && p != "" {
		j.Payload = []byte(p)
	}
	if wid := m["claimed_by"]; wid != "" {
		j.ClaimedBy, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	return j, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s) //nolint:errcheck // best-effort parse from trusted Redis data
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
}

// score converts a ready time to a sorted-set score.
func score(t time.Time) float64 { return float64(t.UnixMilli()) }
