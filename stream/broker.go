package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Broker)(nil)
	_ ext.JobEnqueued  = (*Broker)(nil)
	_ ext.JobStarted   = (*Broker)(nil)
	_ ext.JobCompleted = (*Broker)(nil)
	_ ext.JobRetrying  = (*Broker)(nil)
	_ ext.JobDead      = (*Broker)(nil)
	_ ext.JobReplayed  = (*Broker)(nil)
	_ ext.JobsReaped   = (*Broker)(nil)
	_ ext.JobsPurged   = (*Broker)(nil)
	_ ext.Shutdown     = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// Broker receives lifecycle events as an extension and fans them out to
// subscribers by topic.
type Broker struct {
	subs   *subscriptions
	logger *slog.Logger

	totalPublished atomic.Int64

	bufferSize int
	now        func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// NewBroker creates a stream broker. logger may be nil.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		subs:       newSubscriptions(),
		logger:     logger,
		bufferSize: DefaultBufferSize,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Subscribe registers a subscriber on topics. An existing subscriber with
// the same id is replaced and closed.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize)
	if prev := b.subs.add(sub, topics); prev != nil {
		prev.Close()
	}
	return sub
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	if sub := b.subs.remove(subscriberID); sub != nil {
		sub.Close()
	}
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count, topics, dropped := b.subs.stats()
	return BrokerStats{
		TopicCount:      topics,
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    dropped,
	}
}

// BrokerStats contains broker metrics. TotalDropped covers current
// subscribers only.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

func (b *Broker) publish(evt *Event) {
	delivered := b.subs.broadcast(resolveTopics(evt), evt)
	b.totalPublished.Add(int64(delivered))
}

func (b *Broker) publishJob(typ EventType, j *job.Job, data JobEventData) {
	data.JobID = j.ID.String()
	data.Queue = j.Queue
	data.Attempts = j.Attempts
	data.MaxAttempts = j.MaxAttempts
	b.publish(&Event{
		Type:      typ,
		Timestamp: b.now(),
		Topic:     JobTopic(j.ID.String()),
		Queue:     j.Queue,
		Data:      mustMarshal(data),
	})
}

// mustMarshal marshals the fixed event payload structs, which cannot fail.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobEnqueued(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobEnqueued, j, JobEventData{})
	return nil
}

func (b *Broker) OnJobStarted(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobStarted, j, JobEventData{WorkerID: j.ClaimedBy.String()})
	return nil
}

func (b *Broker) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	b.publishJob(EventJobCompleted, j, JobEventData{ElapsedMs: elapsed.Milliseconds()})
	return nil
}

func (b *Broker) OnJobRetrying(_ context.Context, j *job.Job, jobErr error) error {
	data := JobEventData{Error: jobErr.Error()}
	if j.RetryAfter != nil {
		data.RetryAfter = j.RetryAfter.Format(time.RFC3339)
	}
	b.publishJob(EventJobRetrying, j, data)
	return nil
}

func (b *Broker) OnJobDead(_ context.Context, j *job.Job, jobErr error) error {
	b.publishJob(EventJobDead, j, JobEventData{Error: jobErr.Error()})
	return nil
}

func (b *Broker) OnJobReplayed(_ context.Context, deadID, newID id.JobID) error {
	b.publish(&Event{
		Type:      EventJobReplayed,
		Timestamp: b.now(),
		Topic:     JobTopic(deadID.String()),
		Data:      mustMarshal(ReplayEventData{DeadJobID: deadID.String(), NewJobID: newID.String()}),
	})
	return nil
}

// ── Maintenance hooks ───────────────────────────────

func (b *Broker) OnJobsReaped(_ context.Context, requeued, expired, dead int) error {
	b.publish(&Event{
		Type:      EventJobsReaped,
		Timestamp: b.now(),
		Data:      mustMarshal(MaintenanceEventData{Requeued: requeued, Expired: expired, Dead: dead}),
	})
	return nil
}

func (b *Broker) OnJobsPurged(_ context.Context, state job.State, n int64) error {
	b.publish(&Event{
		Type:      EventJobsPurged,
		Timestamp: b.now(),
		Data:      mustMarshal(MaintenanceEventData{State: string(state), Count: n}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

// OnShutdown closes every subscriber so streaming clients disconnect.
func (b *Broker) OnShutdown(_ context.Context) error {
	for _, subscriberID := range b.subs.ids() {
		b.RemoveSubscriber(subscriberID)
	}
	b.logger.Info("stream broker shut down")
	return nil
}
