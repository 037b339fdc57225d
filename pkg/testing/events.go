package testing

import (
	"context"
	"sync"

	"github.com/fe1fan/raven/pkg/core"
)

// EventCollector is a core.EventEmitter that keeps what it receives.
type EventCollector struct {
	mu     sync.Mutex
	events []core.Event
}

func NewEventCollector() *EventCollector { return &EventCollector{} }

func (c *EventCollector) Emit(_ context.Context, ev core.Event) { c.Collect(ev) }

func (c *EventCollector) Collect(ev core.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

// Events returns a copy of everything collected so far.
func (c *EventCollector) Events() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Event(nil), c.events...)
}

func (c *EventCollector) EventTypes() []core.EventType {
	var out []core.EventType
	for _, ev := range c.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func (c *EventCollector) HasEvent(t core.EventType) bool {
	return len(c.Payloads(t)) > 0
}

// Payloads returns the payloads of events of type t in emission order.
func (c *EventCollector) Payloads(t core.EventType) []map[string]any {
	var out []map[string]any
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev.Payload)
		}
	}
	return out
}

func (c *EventCollector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *EventCollector) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
