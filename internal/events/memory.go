package events

import "sync"

// MemorySink is an in-memory Sink, used by tests and by deployments
// that don't need a durable audit trail.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink builds an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Record(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// All returns a copy of every recorded event, in recording order.
func (m *MemorySink) All() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ForTask returns every recorded event for a single task, in recording
// order.
func (m *MemorySink) ForTask(taskID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

var _ Sink = (*MemorySink)(nil)
