package core

import (
	"context"
	"time"
)

// EventType identifies a semantic event emitted by the runtime.
type EventType string

const (
	EventStateTransition EventType = "lifecycle.transition"
	EventRequestComplete EventType = "lifecycle.request.complete"
	EventWorkerLoaded    EventType = "worker.loaded"
	EventWorkerRemoved   EventType = "worker.removed"
	EventWorkerRejected  EventType = "worker.rejected"
)

// Event captures a semantic event of one request or worker.
type Event struct {
	Type      EventType
	RequestID string
	Worker    string
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// EventEmitterFunc adapts a function to EventEmitter.
type EventEmitterFunc func(ctx context.Context, event Event)

// Emit implements EventEmitter.
func (f EventEmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds an event stamped with the current time. Request and
// worker ids are taken from ctx.
func NewEvent(ctx context.Context, eventType EventType, payload map[string]any) Event {
	id, _ := RequestID(ctx)
	return Event{
		Type:      eventType,
		RequestID: id,
		Worker:    Worker(ctx),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
