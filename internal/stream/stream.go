// Package stream fans audit events out to live subscribers.
package stream

import (
	"context"
	"sync"

	"bizregistry.org/internal/audit"
	"bizregistry.org/internal/obs"
)

const subscriberBuffer = 16

// Stream fan-outs audit events to all active subscribers (SSE clients). It is
// an audit.Sink, so it receives exactly what the other sinks persist.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan audit.Event
	next int
}

var _ audit.Sink = (*Stream)(nil)

// New returns an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan audit.Event)}
}

func (*Stream) Name() string { return "stream" }

// Write implements audit.Sink. It never blocks.
func (s *Stream) Write(_ context.Context, ev audit.Event) error {
	s.Publish(ev)
	return nil
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan audit.Event {
	ch := make(chan audit.Event, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers. Slow subscribers miss events.
func (s *Stream) Publish(ev audit.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			obs.AuditStreamDropped.Inc()
		}
	}
}

// Subscribers reports the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
