// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"sync"
	"time"

	"github.com/fe1fan/raven/pkg/dispatch"
)

// ScenarioProvider is a scripted dispatch provider. Responses are queued
// per member and consumed in order; every request is captured.
type ScenarioProvider struct {
	mu        sync.Mutex
	responses map[string][]ScriptedResponse
	requests  []dispatch.Request
	fallback  *ScriptedResponse
	onHandle  func(ctx context.Context, req *dispatch.Request) *dispatch.Response
	closed    bool
}

// ScriptedResponse defines one answer of the scenario provider.
type ScriptedResponse struct {
	Result any
	Err    *dispatch.ProviderError
	// Delay postpones the answer. The provider still answers after ctx is
	// done, producing a late response.
	Delay time.Duration
	// Panic makes the provider panic with the value.
	Panic any
	// Condition allows conditional responses based on the request.
	Condition func(req *dispatch.Request) bool
}

// NewScenarioProvider creates a new scenario provider.
func NewScenarioProvider() *ScenarioProvider {
	return &ScenarioProvider{responses: make(map[string][]ScriptedResponse)}
}

// AddResult queues a successful result for member.
func (p *ScenarioProvider) AddResult(member string, result any) *ScenarioProvider {
	return p.AddScriptedResponse(member, ScriptedResponse{Result: result})
}

// AddFailure queues a provider failure for member.
func (p *ScenarioProvider) AddFailure(member, code, message string) *ScenarioProvider {
	return p.AddScriptedResponse(member, ScriptedResponse{Err: &dispatch.ProviderError{Code: code, Message: message}})
}

// AddDelayed queues a result delivered after d.
func (p *ScenarioProvider) AddDelayed(member string, result any, d time.Duration) *ScenarioProvider {
	return p.AddScriptedResponse(member, ScriptedResponse{Result: result, Delay: d})
}

// AddScriptedResponse adds a fully configured response.
func (p *ScenarioProvider) AddScriptedResponse(member string, resp ScriptedResponse) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[member] = append(p.responses[member], resp)
	return p
}

// WithDefault sets the response used when a member has nothing queued.
func (p *ScenarioProvider) WithDefault(resp ScriptedResponse) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = &resp
	return p
}

// WithHandleFunc sets a custom function for handling requests.
func (p *ScenarioProvider) WithHandleFunc(fn func(ctx context.Context, req *dispatch.Request) *dispatch.Response) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onHandle = fn
	return p
}

// Handle implements dispatch.Provider.
func (p *ScenarioProvider) Handle(ctx context.Context, req *dispatch.Request) *dispatch.Response {
	p.mu.Lock()
	p.requests = append(p.requests, *req)
	if p.onHandle != nil {
		fn := p.onHandle
		p.mu.Unlock()
		return fn(ctx, req)
	}
	resp, ok := p.next(req)
	p.mu.Unlock()

	if !ok {
		return dispatch.Failure(req, "NotScripted", "no scripted response for %s", req.Descriptor.Path())
	}
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	if resp.Panic != nil {
		panic(resp.Panic)
	}
	if resp.Err != nil {
		return &dispatch.Response{CorrelationID: req.CorrelationID, Err: resp.Err}
	}
	return dispatch.Result(req, resp.Result)
}

// next pops the first queued response whose condition matches.
func (p *ScenarioProvider) next(req *dispatch.Request) (ScriptedResponse, bool) {
	queue := p.responses[req.Member()]
	for i, resp := range queue {
		if resp.Condition == nil || resp.Condition(req) {
			p.responses[req.Member()] = append(queue[:i:i], queue[i+1:]...)
			return resp, true
		}
	}
	if p.fallback != nil {
		return *p.fallback, true
	}
	return ScriptedResponse{}, false
}

// Close implements dispatch.Closer.
func (p *ScenarioProvider) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether the bridge closed the provider.
func (p *ScenarioProvider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Requests returns all captured requests.
func (p *ScenarioProvider) Requests() []dispatch.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]dispatch.Request, len(p.requests))
	copy(result, p.requests)
	return result
}

// LastRequest returns the most recent request.
func (p *ScenarioProvider) LastRequest() *dispatch.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	req := p.requests[len(p.requests)-1]
	return &req
}

// CallCount returns the number of Handle calls made.
func (p *ScenarioProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Reset clears all state.
func (p *ScenarioProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = make(map[string][]ScriptedResponse)
	p.requests = p.requests[:0]
	p.fallback = nil
}
