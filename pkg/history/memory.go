package history

import (
	"sync"

	"github.com/r2northstar/titanfront/pkg/relay"
)

// MemorySink keeps the most recent events in memory. Unlike
// pkg/memstore.AccountStore's keyed sync.Map, history needs bounded,
// insertion-ordered retention, so a mutex-guarded ring buffer is the better
// fit here.
type MemorySink struct {
	mu   sync.Mutex
	buf  []relay.Event
	next int
	full bool
}

// NewMemorySink creates a MemorySink retaining up to capacity events.
func NewMemorySink(capacity int) *MemorySink {
	return &MemorySink{buf: make([]relay.Event, capacity)}
}

// Record implements relay.Sink.
func (s *MemorySink) Record(e relay.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = e
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
}

// Recent returns the retained events in chronological order.
func (s *MemorySink) Recent() []relay.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		out := make([]relay.Event, s.next)
		copy(out, s.buf[:s.next])
		return out
	}
	out := make([]relay.Event, len(s.buf))
	n := copy(out, s.buf[s.next:])
	copy(out[n:], s.buf[:s.next])
	return out
}
