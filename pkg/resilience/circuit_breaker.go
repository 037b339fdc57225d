// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/fe1fan/raven/pkg/errors"
)

type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half-open"
)

// Value is the state on the breaker gauge: 0 open, 1 half-open, 2 closed.
func (s CircuitBreakerState) Value() int64 {
	switch s {
	case StateOpen:
		return 0
	case StateHalfOpen:
		return 1
	}
	return 2
}

type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open a closed breaker.
	// Defaults to 5.
	FailureThreshold int
	// SuccessThreshold probe successes close a half-open breaker.
	// Defaults to 2.
	SuccessThreshold int
	// Timeout is the cooldown before an open breaker admits probes.
	// Defaults to 30s.
	Timeout time.Duration
	Name    string
	// OnStateChange runs outside the breaker lock after each transition.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// CircuitBreaker guards one provider. Admission and outcome reporting are
// separate calls, so concurrent calls never wait on each other.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	openedAt  time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "circuit_breaker"
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Allow admits a call or fails with a recoverable PROVIDER_UNAVAILABLE.
// An open breaker whose cooldown has elapsed turns half-open first.
func (cb *CircuitBreaker) Allow() error {
	state := cb.update(func() {
		if cb.state == StateOpen && cb.now().Sub(cb.openedAt) > cb.cfg.Timeout {
			cb.moveTo(StateHalfOpen)
		}
	})
	if state == StateOpen {
		return errors.New(errors.CodeProviderUnavailable, "circuit breaker open", nil).
			WithContext("breaker", cb.cfg.Name).
			WithRecoverable(true)
	}
	return nil
}

func (cb *CircuitBreaker) Success() {
	cb.update(func() {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			if cb.successes++; cb.successes >= cb.cfg.SuccessThreshold {
				cb.moveTo(StateClosed)
			}
		}
	})
}

// Failure counts a failed call. One failed probe reopens a half-open
// breaker.
func (cb *CircuitBreaker) Failure() {
	cb.update(func() {
		switch cb.state {
		case StateClosed:
			if cb.failures++; cb.failures >= cb.cfg.FailureThreshold {
				cb.moveTo(StateOpen)
			}
		case StateHalfOpen:
			cb.moveTo(StateOpen)
		}
	})
}

// Call runs fn when admitted and records its outcome.
func (cb *CircuitBreaker) Call(_ context.Context, fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		cb.Failure()
	} else {
		cb.Success()
	}
	return err
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() { cb.update(func() { cb.moveTo(StateClosed) }) }

// Open trips the breaker by hand; the cooldown starts now.
func (cb *CircuitBreaker) Open() { cb.update(func() { cb.moveTo(StateOpen) }) }

// update applies fn under the lock and reports a transition afterwards.
func (cb *CircuitBreaker) update(fn func()) CircuitBreakerState {
	cb.mu.Lock()
	from := cb.state
	fn()
	to := cb.state
	cb.mu.Unlock()
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
	return to
}

// moveTo must be called with mu held. Entering any state clears the
// counters; entering open restarts the cooldown.
func (cb *CircuitBreaker) moveTo(s CircuitBreakerState) {
	cb.state = s
	cb.failures, cb.successes = 0, 0
	if s == StateOpen {
		cb.openedAt = cb.now()
	}
}
