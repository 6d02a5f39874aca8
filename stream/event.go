// Package stream fans jobq lifecycle events out to live subscribers. The
// Broker is an ext.Extension; the admin API exposes it as a server-sent
// event stream.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventJobEnqueued  EventType = "job.enqueued"
	EventJobStarted   EventType = "job.started"
	EventJobCompleted EventType = "job.completed"
	EventJobRetrying  EventType = "job.retrying"
	EventJobDead      EventType = "job.dead"
	EventJobReplayed  EventType = "job.replayed"

	EventJobsReaped EventType = "jobs.reaped"
	EventJobsPurged EventType = "jobs.purged"
)

// Event is the envelope sent to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"ts"`

	// Topic is the entity topic the event was published on, if any.
	Topic string `json:"topic,omitempty"`

	// Queue routes the event to the queue topic as well.
	Queue string `json:"queue,omitempty"`

	Data json.RawMessage `json:"data"`
}

// JobEventData is the payload for job lifecycle events.
type JobEventData struct {
	JobID       string `json:"job_id"`
	Queue       string `json:"queue"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	WorkerID    string `json:"worker_id,omitempty"`
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
	Error       string `json:"error,omitempty"`
	RetryAfter  string `json:"retry_after,omitempty"`
}

// ReplayEventData is the payload of job.replayed.
type ReplayEventData struct {
	DeadJobID string `json:"dead_job_id"`
	NewJobID  string `json:"new_job_id"`
}

// MaintenanceEventData is the payload of jobs.reaped and jobs.purged.
type MaintenanceEventData struct {
	Requeued int    `json:"requeued,omitempty"`
	Expired  int    `json:"expired,omitempty"`
	Dead     int    `json:"dead,omitempty"`
	State    string `json:"state,omitempty"`
	Count    int64  `json:"count,omitempty"`
}
