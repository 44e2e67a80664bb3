package audit

import (
	"context"
	"sync"
)

const defaultMemoryCapacity = 256

// MemoryLogger keeps the most recent events in a fixed-size ring.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewMemoryLogger creates a ring holding up to capacity events.
func NewMemoryLogger(capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryLogger{events: make([]Event, capacity)}
}

// Log records an audit event, overwriting the oldest one when full.
func (m *MemoryLogger) Log(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[m.next] = event
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Query returns matching events, newest first.
func (m *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.events)
	}

	var out []Event
	skipped := 0
	for i := range n {
		idx := (m.next - 1 - i + len(m.events)) % len(m.events)
		e := m.events[idx]
		if !filter.Matches(e) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (*MemoryLogger) Close() error { return nil }

// NoopLogger discards every event.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(context.Context, Event) error { return nil }

// Query always returns no events.
func (NoopLogger) Query(context.Context, QueryFilter) ([]Event, error) { return nil, nil }

// Close is a no-op.
func (NoopLogger) Close() error { return nil }

// Verify interface compliance.
var (
	_ Logger = (*MemoryLogger)(nil)
	_ Logger = NoopLogger{}
)
