package events

import (
	"sync"
	"time"
)

// Stream is an in-memory fanout emitter. Publishing never blocks the
// orchestration core: a subscriber that stops draining loses events rather
// than stalling agents.
type Stream struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	seq  uint64
}

func NewStream() *Stream {
	return &Stream{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered channel of events. The caller must drain it
// and call Unsubscribe when done.
func (s *Stream) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Stream) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *Stream) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev.Seq = s.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for ch := range s.subs {
		select {
		case ch <- ev:
		default: // slow subscriber, drop
		}
	}
}

// Close unsubscribes everyone.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}
