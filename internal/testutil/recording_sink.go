package testutil

import (
	"context"
	"sync"

	"github.com/developingchet/admission-guard/internal/audit"
)

// RecordingSink is a synchronous audit.Sink that keeps every event in memory.
type RecordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *RecordingSink) Record(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events, oldest first.
func (r *RecordingSink) Events() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

// Actions returns the recorded actions, oldest first.
func (r *RecordingSink) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Action
	}
	return out
}

// Count returns how many events with the given action were recorded.
func (r *RecordingSink) Count(action string) int {
	n := 0
	for _, a := range r.Actions() {
		if a == action {
			n++
		}
	}
	return n
}
