package events

import (
	"context"
	"sync"
)

// StreamSink fan-outs events to live subscribers (the admin console audit
// tail). Slow subscribers are skipped, never waited on.
type StreamSink struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewStreamSink() *StreamSink {
	return &StreamSink{subs: make(map[int]chan Event)}
}

func (s *StreamSink) Name() string { return "stream" }

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *StreamSink) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

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

func (s *StreamSink) Emit(_ context.Context, event Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
	return nil
}
