// Package stream delivers a run's ordered events to subscribers and encodes
// them as line-delimited frames for HTTP and WebSocket clients.
package stream

import (
	"context"
	"io"
	"sync"

	"github.com/haasonsaas/tollgate/pkg/models"
)

// Hub fans out run events to live subscribers. Every subscriber sees every
// event published after it subscribed, in publish order; nothing is dropped.
// An end event closes all subscriptions of the current segment, and the next
// segment (after a resume) needs a fresh subscription.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	seq  uint64
	subs map[*Subscription]struct{}
}

// NewHub creates a new hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// Subscribe registers a listener for a run.
func (h *Hub) Subscribe(runID string) *Subscription {
	sub := &Subscription{
		hub:    h,
		runID:  runID,
		notify: make(chan struct{}, 1),
	}
	h.mu.Lock()
	t := h.topic(runID)
	t.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish stamps ev with the run's next sequence number and delivers it.
func (h *Hub) Publish(ev models.StreamEvent) models.StreamEvent {
	if h == nil {
		return ev
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topic(ev.RunID)
	t.seq++
	ev.Sequence = t.seq
	for sub := range t.subs {
		sub.push(ev)
	}
	if ev.Kind.Closes() {
		t.subs = make(map[*Subscription]struct{})
	}
	return ev
}

// Forget drops the run's sequence counter and closes any remaining subscriptions.
func (h *Hub) Forget(runID string) {
	h.mu.Lock()
	t, ok := h.topics[runID]
	delete(h.topics, runID)
	h.mu.Unlock()
	if !ok {
		return
	}
	for sub := range t.subs {
		sub.close()
	}
}

// Subscribers returns the number of live subscriptions for a run.
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[runID]; ok {
		return len(t.subs)
	}
	return 0
}

func (h *Hub) topic(runID string) *topic {
	t, ok := h.topics[runID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[runID] = t
	}
	return t
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if t, ok := h.topics[sub.runID]; ok {
		delete(t.subs, sub)
	}
	h.mu.Unlock()
}

// Subscription is a single consumer's view of one segment of a run's events.
// It is finite and cannot be restarted.
type Subscription struct {
	hub    *Hub
	runID  string
	notify chan struct{}

	mu     sync.Mutex
	queue  []models.StreamEvent
	closed bool
}

// RunID returns the run the subscription follows.
func (s *Subscription) RunID() string {
	return s.runID
}

// Next blocks until the next event. It returns io.EOF once the end event has
// been consumed or the subscription was closed.
func (s *Subscription) Next(ctx context.Context) (models.StreamEvent, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = models.StreamEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return models.StreamEvent{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return models.StreamEvent{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the subscription. Queued events are discarded.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	s.close()
}

func (s *Subscription) push(ev models.StreamEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if ev.Kind.Closes() {
		s.closed = true
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Drain reads the subscription to completion.
func Drain(ctx context.Context, sub *Subscription) ([]models.StreamEvent, error) {
	var events []models.StreamEvent
	for {
		ev, err := sub.Next(ctx)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
