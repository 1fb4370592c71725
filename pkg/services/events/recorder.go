package events

import (
	"sync"

	"drone-overwatch/pkg/shared"
)

// Recorder is a synchronous Publisher that keeps every event. It is
// meant for tests and for callers that want to inspect emitted events
// right after an operation.
type Recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *Recorder) Publish(ev shared.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []shared.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]shared.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []shared.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shared.Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
