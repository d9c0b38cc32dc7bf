// Package eventstest provides an in-memory event publisher for tests.
package eventstest

import (
	"context"
	"sync"

	"storefront/events"
)

// Recorder keeps every published event.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
	Err    error
}

// Publish records e, or returns Err when set.
func (r *Recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of what was published.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Types returns the types of the published events in order.
func (r *Recorder) Types() []string {
	var types []string
	for _, e := range r.Events() {
		types = append(types, e.Type)
	}
	return types
}
