package core

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}
type workerKey struct{}

// WithRequestID attaches a request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id if present.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// EnsureRequestID ensures a request id exists in the context.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id, ok := RequestID(ctx); ok {
		return ctx, id
	}
	id := NewID("req")
	return WithRequestID(ctx, id), id
}

// WithWorker records which worker script serves the exchange.
func WithWorker(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workerKey{}, name)
}

// Worker returns the worker name if present.
func Worker(ctx context.Context) string {
	name, _ := ctx.Value(workerKey{}).(string)
	return name
}

// NewID returns a prefixed random identifier, e.g. "req-6f1c…".
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
