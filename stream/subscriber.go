package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives events from the topics it is subscribed to. Delivery
// never blocks the publisher: when the buffer is full the event is dropped
// and counted.
type Subscriber struct {
	id string
	ch chan *Event

	mu     sync.RWMutex // guards ch against send-after-close
	closed bool

	filter  func(*Event) bool
	dropped atomic.Int64
}

// NewSubscriber creates a subscriber with the given buffer size.
func NewSubscriber(id string, bufferSize int) *Subscriber {
	return &Subscriber{id: id, ch: make(chan *Event, bufferSize)}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the event channel. It is closed when the subscriber is removed
// or the broker shuts down.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// Dropped returns how many events were lost to a full buffer.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// SetFilter sets a predicate; only matching events are delivered. Call it
// before subscribing to any topic.
func (s *Subscriber) SetFilter(fn func(*Event) bool) {
	s.filter = fn
}

// send delivers evt without blocking. It reports false when the event was
// filtered out, the buffer was full, or the subscriber is closed.
func (s *Subscriber) send(evt *Event) bool {
	if s.filter != nil && !s.filter(evt) {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Close closes the event channel. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
