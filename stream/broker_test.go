package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testJob(t *testing.T, queue string) *job.Job {
	t.Helper()
	j, err := job.New(queue, []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func receive(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		return evt
	case <-time.After(time.Second):
		t.Fatalf("subscriber %s timed out", sub.ID())
		return nil
	}
}

func expectNothing(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case evt := <-sub.C():
		t.Fatalf("subscriber %s got unexpected %s", sub.ID(), evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_RoutesByTopic(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	j := testJob(t, "send-email")

	firehose := b.Subscribe("firehose", TopicFirehose)
	jobs := b.Subscribe("jobs", TopicJobs)
	one := b.Subscribe("one", JobTopic(j.ID.String()))
	queue := b.Subscribe("queue", QueueTopic("send-email"))
	other := b.Subscribe("other", QueueTopic("search-index"))
	maint := b.Subscribe("maint", TopicMaintenance)

	if err := b.OnJobEnqueued(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []*Subscriber{firehose, jobs, one, queue} {
		if evt := receive(t, sub); evt.Type != EventJobEnqueued {
			t.Errorf("%s: Type = %q", sub.ID(), evt.Type)
		}
	}
	expectNothing(t, other)
	expectNothing(t, maint)
}

func TestBroker_JobEventPayload(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("s", TopicJobs)
	j := testJob(t, "asset-process")

	if err := b.OnJobDead(context.Background(), j, errors.New("corrupt image")); err != nil {
		t.Fatal(err)
	}

	evt := receive(t, sub)
	var data JobEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.JobID != j.ID.String() || data.Queue != "asset-process" || data.Error != "corrupt image" {
		t.Errorf("data = %+v", data)
	}
}

func TestBroker_MaintenanceEvents(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	maint := b.Subscribe("maint", TopicMaintenance)
	jobs := b.Subscribe("jobs", TopicJobs)

	if err := b.OnJobsPurged(context.Background(), job.StateCompleted, 7); err != nil {
		t.Fatal(err)
	}
	evt := receive(t, maint)
	if evt.Type != EventJobsPurged {
		t.Errorf("Type = %q", evt.Type)
	}
	expectNothing(t, jobs)
}

func TestBroker_ViaRegistry(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	reg := ext.NewRegistry(testLogger())
	reg.Register(b)
	sub := b.Subscribe("s", TopicFirehose)

	ctx := context.Background()
	j := testJob(t, "q")
	reg.EmitJobEnqueued(ctx, j)
	reg.EmitJobReplayed(ctx, id.NewJobID(), j.ID)
	reg.EmitJobsReaped(ctx, 1, 2, 0)

	want := []EventType{EventJobEnqueued, EventJobReplayed, EventJobsReaped}
	for _, typ := range want {
		if evt := receive(t, sub); evt.Type != typ {
			t.Errorf("Type = %q, want %q", evt.Type, typ)
		}
	}
}

func TestBroker_RemoveSubscriberClosesChannel(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("rm", TopicFirehose)
	b.RemoveSubscriber("rm")

	_ = b.OnJobEnqueued(context.Background(), testJob(t, "q"))

	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed after RemoveSubscriber")
	}
	if got := b.Stats().SubscriberCount; got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestBroker_ShutdownClosesAll(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	s1 := b.Subscribe("s1", TopicJobs)
	s2 := b.Subscribe("s2", TopicMaintenance)

	if err := b.OnShutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []*Subscriber{s1, s2} {
		if _, ok := <-sub.C(); ok {
			t.Errorf("%s still open after shutdown", sub.ID())
		}
	}
}

func TestSubscriber_DropsWhenFull(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("full", 1)
	evt := &Event{Type: EventJobEnqueued}

	if !sub.send(evt) {
		t.Fatal("first send should succeed")
	}
	if sub.send(evt) {
		t.Fatal("second send should be dropped")
	}
	if sub.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", sub.Dropped())
	}

	sub.Close()
	sub.Close()
	if sub.send(evt) {
		t.Fatal("send after close should fail")
	}
}

func TestSubscriber_Filter(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("filter", 10)
	sub.SetFilter(func(e *Event) bool { return e.Type == EventJobDead })

	if sub.send(&Event{Type: EventJobCompleted}) {
		t.Fatal("completed event should be filtered out")
	}
	if !sub.send(&Event{Type: EventJobDead}) {
		t.Fatal("dead event should pass filter")
	}
}

func TestValidateTopic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		valid bool
	}{
		{TopicJobs, true},
		{TopicFirehose, true},
		{TopicMaintenance, true},
		{"job:job_123", true},
		{"queue:send-email", true},
		{"job:", false},
		{"workflow:run-abc", false},
		{"invalid", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.valid != (err == nil) {
				t.Errorf("ValidateTopic(%q) = %v, want valid=%v", tt.topic, err, tt.valid)
			}
		})
	}
}

func TestSubscriptions_BroadcastDeduplicates(t *testing.T) {
	t.Parallel()

	subs := newSubscriptions()
	sub := NewSubscriber("dedup", 10)
	subs.add(sub, []string{TopicFirehose, TopicJobs})

	if n := subs.broadcast([]string{TopicFirehose, TopicJobs}, &Event{Type: EventJobStarted}); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if n := subs.broadcast([]string{TopicMaintenance}, &Event{Type: EventJobsReaped}); n != 0 {
		t.Errorf("delivered to unsubscribed topic = %d, want 0", n)
	}

	if got := subs.remove("dedup"); got != sub {
		t.Fatal("remove did not return the subscriber")
	}
	if n, topics, _ := subs.stats(); n != 0 || topics != 0 {
		t.Errorf("after remove: subscribers=%d topics=%d, want 0", n, topics)
	}
}
