// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package testing runs worker scripts against scripted providers and checks
// the exchange they produce.
//
//	s := raventest.NewScenario("orders").
//	    WithScript(src).
//	    ExpectStatus(201).
//	    ExpectBody(raventest.Contains("created"))
//	s.Run(t, runner).Assert(t, s)
package testing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/script"
)

// Runner executes one script for one inbound exchange. The lifecycle
// controller satisfies it through its Handle method.
type Runner interface {
	Run(ctx context.Context, name, source string, req *script.Request) *script.Response
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name, source string, req *script.Request) *script.Response

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, name, source string, req *script.Request) *script.Response {
	return f(ctx, name, source, req)
}

// Scenario is one script run plus what its exchange must look like.
type Scenario struct {
	name     string
	source   string
	request  *script.Request
	ctx      context.Context
	timeout  time.Duration
	events   *EventCollector
	expect   []Expectation
	setup    []func() error
	teardown []func() error
}

// NewScenario starts a scenario answering GET / within 30 seconds.
func NewScenario(name string) *Scenario {
	return &Scenario{
		name:    name,
		request: &script.Request{Method: "GET", Path: "/"},
		ctx:     context.Background(),
		timeout: 30 * time.Second,
	}
}

func (s *Scenario) WithScript(source string) *Scenario { s.source = source; return s }

func (s *Scenario) WithRequest(req *script.Request) *Scenario { s.request = req; return s }

func (s *Scenario) WithContext(ctx context.Context) *Scenario { s.ctx = ctx; return s }

// WithTimeout bounds the whole run, not a single capability call.
func (s *Scenario) WithTimeout(d time.Duration) *Scenario { s.timeout = d; return s }

// WithEvents attaches the collector whose events end up in the result.
func (s *Scenario) WithEvents(c *EventCollector) *Scenario { s.events = c; return s }

func (s *Scenario) WithSetup(fn func() error) *Scenario {
	s.setup = append(s.setup, fn)
	return s
}

func (s *Scenario) WithTeardown(fn func() error) *Scenario {
	s.teardown = append(s.teardown, fn)
	return s
}

// Run executes the scenario. Setup failures abort the test; teardown
// failures are reported but do not stop the remaining teardowns.
func (s *Scenario) Run(t *testing.T, runner Runner) *ScenarioResult {
	t.Helper()
	for _, fn := range s.setup {
		if err := fn(); err != nil {
			t.Fatalf("scenario %q setup: %v", s.name, err)
		}
	}
	defer func() {
		for _, fn := range s.teardown {
			if err := fn(); err != nil {
				t.Errorf("scenario %q teardown: %v", s.name, err)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res := &ScenarioResult{Response: runner.Run(ctx, s.name, s.source, s.request)}
	res.Duration = time.Since(start)
	if s.events != nil {
		res.Events = s.events.Events()
	}
	return res
}

// ScenarioResult is the exchange a scenario produced.
type ScenarioResult struct {
	Response *script.Response
	Events   []core.Event
	Duration time.Duration
}

// Assert reports every unmet expectation of s.
func (r *ScenarioResult) Assert(t *testing.T, s *Scenario) {
	t.Helper()
	for _, e := range s.expect {
		if err := e.Check(r); err != nil {
			t.Errorf("scenario %q: expected %s: %v", s.name, e.Description(), err)
		}
	}
}

// FailureCode returns error.code of a failure body, or "".
func (r *ScenarioResult) FailureCode() string { return r.failure().Code }

// ProviderCode returns error.provider_code of a failure body, or "".
func (r *ScenarioResult) ProviderCode() string { return r.failure().ProviderCode }

// DispatchCode returns error.dispatch_code of a failure body, or "".
func (r *ScenarioResult) DispatchCode() string { return r.failure().DispatchCode }

type failureBody struct {
	Code         string `json:"code"`
	DispatchCode string `json:"dispatch_code"`
	ProviderCode string `json:"provider_code"`
}

func (r *ScenarioResult) failure() failureBody {
	var body struct {
		Error failureBody `json:"error"`
	}
	if r.Response != nil {
		_ = json.Unmarshal([]byte(r.Response.Body), &body)
	}
	return body.Error
}
