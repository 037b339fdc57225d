// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fe1fan/raven/pkg/capability"
	"go.opentelemetry.io/otel/trace"
)

// Outcome labels the terminal state of a call in metrics and audit rows.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeProviderError Outcome = "provider_error"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeInvalidParams Outcome = "invalid_params"
	OutcomeUnauthorized  Outcome = "unauthorized"
	OutcomeUnavailable   Outcome = "unavailable"

	OutcomeUnknownCapability Outcome = "unknown_capability"
)

// Call is an outstanding hosted invocation. It completes exactly once;
// every Await returns the same outcome.
type Call struct {
	descriptor    *capability.Descriptor
	correlationID string
	started       time.Time
	timeout       time.Duration

	mu       sync.Mutex
	done     chan struct{}
	result   any
	err      error
	outcome  Outcome
	finished time.Time

	onComplete func(*Call)
	cancel     context.CancelFunc
	span       trace.Span
	binding    *providerBinding
	sent       atomic.Bool
}

func newCall(d *capability.Descriptor, started time.Time) *Call {
	return &Call{descriptor: d, started: started, done: make(chan struct{})}
}

// Await blocks until the call has a terminal outcome. Every hosted call
// carries a deadline, so Await always returns.
func (c *Call) Await() (any, error) {
	<-c.done
	return c.result, c.err
}

// AwaitContext is Await bounded by ctx. Giving up on the wait does not
// cancel the call.
func (c *Call) AwaitContext(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the call completed.
func (c *Call) Done() <-chan struct{} { return c.done }

// CorrelationID is empty for calls rejected before reaching a provider.
func (c *Call) CorrelationID() string { return c.correlationID }

// Descriptor returns the member being called.
func (c *Call) Descriptor() *capability.Descriptor { return c.descriptor }

// Outcome returns the terminal label, or "" while the call is pending.
func (c *Call) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Duration is the time from submission to completion.
func (c *Call) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished.IsZero() {
		return 0
	}
	return c.finished.Sub(c.started)
}

// complete records the terminal outcome. It reports false when the call
// had already completed, in which case the value is discarded.
func (c *Call) complete(result any, err error, outcome Outcome, at time.Time) bool {
	c.mu.Lock()
	if c.outcome != "" {
		c.mu.Unlock()
		return false
	}
	c.result, c.err, c.outcome, c.finished = result, err, outcome, at
	hook := c.onComplete
	c.mu.Unlock()

	// Observers run before waiters resume so that a returned Await is
	// already visible in metrics and audit.
	if hook != nil {
		hook(c)
	}
	close(c.done)
	return true
}

// terminal returns the outcome without waiting. Only valid once complete
// has run.
func (c *Call) terminal() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}
