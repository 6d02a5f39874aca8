package stream

import (
	"fmt"
	"strings"
	"sync"
)

// Topic names:
//
//	firehose      everything
//	jobs          every job.* event
//	maintenance   jobs.reaped and jobs.purged
//	job:<id>      events for one job
//	queue:<name>  job events for one queue
const (
	TopicFirehose    = "firehose"
	TopicJobs        = "jobs"
	TopicMaintenance = "maintenance"
)

// JobTopic returns the topic name for a specific job.
func JobTopic(jobID string) string { return "job:" + jobID }

// QueueTopic returns the topic name for a queue.
func QueueTopic(queue string) string { return "queue:" + queue }

// subscriptions indexes subscribers by id together with the topics each
// one listens on. Events are few and subscribers are SSE clients, so a
// broadcast walks the subscribers rather than a topic map.
type subscriptions struct {
	mu   sync.RWMutex
	subs map[string]subscription
}

type subscription struct {
	sub    *Subscriber
	topics map[string]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{subs: make(map[string]subscription)}
}

// add registers sub on topics and returns the subscriber it replaced, if
// any.
func (s *subscriptions) add(sub *Subscriber, topics []string) *Subscriber {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.subs[sub.ID()]
	s.subs[sub.ID()] = subscription{sub: sub, topics: set}
	return prev.sub
}

// remove drops a subscriber and returns it, or nil if it was not known.
func (s *subscriptions) remove(subscriberID string) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.subs[subscriberID]
	if !ok {
		return nil
	}
	delete(s.subs, subscriberID)
	return prev.sub
}

// ids returns the ids of every subscriber.
func (s *subscriptions) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subs))
	for id := range s.subs {
		out = append(out, id)
	}
	return out
}

// broadcast sends evt once to every subscriber listening on any of topics
// and returns how many accepted it.
func (s *subscriptions) broadcast(topics []string, evt *Event) int {
	s.mu.RLock()
	targets := make([]*Subscriber, 0, len(s.subs))
	for _, entry := range s.subs {
		for _, t := range topics {
			if _, ok := entry.topics[t]; ok {
				targets = append(targets, entry.sub)
				break
			}
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.send(evt) {
			delivered++
		}
	}
	return delivered
}

// stats reports subscriber and distinct topic counts and the events lost
// to full buffers.
func (s *subscriptions) stats() (subscribers, topics int, dropped int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, entry := range s.subs {
		for t := range entry.topics {
			seen[t] = struct{}{}
		}
		dropped += entry.sub.Dropped()
	}
	return len(s.subs), len(seen), dropped
}

// resolveTopics returns every topic evt is published to.
func resolveTopics(evt *Event) []string {
	topics := []string{TopicFirehose}
	if strings.HasPrefix(string(evt.Type), "jobs.") {
		topics = append(topics, TopicMaintenance)
	} else {
		topics = append(topics, TopicJobs)
	}
	if evt.Topic != "" {
		topics = append(topics, evt.Topic)
	}
	if evt.Queue != "" {
		topics = append(topics, QueueTopic(evt.Queue))
	}
	return topics
}

// ValidateTopic checks whether a topic string is one subscribers may use.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicFirehose, TopicJobs, TopicMaintenance:
		return nil
	}

	kind, name, ok := strings.Cut(topic, ":")
	if !ok || name == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}
	switch kind {
	case "job", "queue":
		return nil
	default:
		return fmt.Errorf("stream: unknown topic kind %q", kind)
	}
}
