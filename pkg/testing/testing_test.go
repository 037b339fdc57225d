// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"testing"
	"time"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/dispatch"
	"github.com/fe1fan/raven/pkg/script"
)

func fakeRunner(status int, body string, delay time.Duration) Runner {
	return RunnerFunc(func(ctx context.Context, name, source string, req *script.Request) *script.Response {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &script.Response{Status: 504, Body: `{"error":{"code":"TIMEOUT"}}`}
			}
		}
		return &script.Response{Status: status, Body: body}
	})
}

func TestScenarioBasic(t *testing.T) {
	scenario := NewScenario("basic").
		WithScript("package main").
		ExpectStatus(200).
		ExpectBody(Contains("Hello"))

	result := scenario.Run(t, fakeRunner(200, "Hello, World!", 0))
	result.Assert(t, scenario)
}

func TestScenarioFailureCodes(t *testing.T) {
	body := `{"error":{"code":"EXECUTION_ERROR","dispatch_code":"PROVIDER_ERROR","provider_code":"AlreadyExists","request_id":"r"}}`
	scenario := NewScenario("failure").
		ExpectStatus(502).
		ExpectErrorCode("EXECUTION_ERROR").
		ExpectProviderCode("AlreadyExists")

	result := scenario.Run(t, fakeRunner(502, body, 0))
	result.Assert(t, scenario)
	if result.DispatchCode() != "PROVIDER_ERROR" {
		t.Errorf("unexpected dispatch code %q", result.DispatchCode())
	}
}

func TestScenarioHeaderAndDispatchCode(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, name, source string, req *script.Request) *script.Response {
		return &script.Response{
			Status:  502,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    `{"error":{"code":"EXECUTION_ERROR","dispatch_code":"TIMEOUT"}}`,
		}
	})
	scenario := NewScenario("headers").
		ExpectHeader("Content-Type", HasPrefix("application/")).
		ExpectHeader("X-Missing", Equals("")).
		ExpectDispatchCode("TIMEOUT")
	scenario.Run(t, runner).Assert(t, scenario)

	var failed []string
	check := NewScenario("mismatch").ExpectHeader("Content-Type", Contains("xml")).ExpectStatus(200)
	result := check.Run(t, runner)
	for _, e := range check.expect {
		if e.Check(result) != nil {
			failed = append(failed, e.Description())
		}
	}
	if len(failed) != 2 {
		t.Errorf("expected both expectations to fail, got %v", failed)
	}
}

func TestScenarioTimeout(t *testing.T) {
	scenario := NewScenario("timeout").
		WithTimeout(20 * time.Millisecond).
		ExpectErrorCode("TIMEOUT").
		ExpectMaxDuration(time.Second)

	result := scenario.Run(t, fakeRunner(200, "", time.Minute))
	result.Assert(t, scenario)
}

func TestScenarioSetupTeardownAndEvents(t *testing.T) {
	var order []string
	events := NewEventCollector()
	runner := RunnerFunc(func(ctx context.Context, name, source string, req *script.Request) *script.Response {
		order = append(order, "run")
		events.Emit(ctx, core.NewEvent(ctx, core.EventStateTransition, map[string]any{"to": "closed"}))
		return &script.Response{Status: 200}
	})
	scenario := NewScenario("hooks").
		WithEvents(events).
		WithSetup(func() error { order = append(order, "setup"); return nil }).
		WithTeardown(func() error { order = append(order, "teardown"); return nil }).
		ExpectEvent(core.EventStateTransition)

	result := scenario.Run(t, runner)
	result.Assert(t, scenario)
	if len(order) != 3 || order[0] != "setup" || order[2] != "teardown" {
		t.Errorf("unexpected order %v", order)
	}
	if p := events.Payloads(core.EventStateTransition); len(p) != 1 || p[0]["to"] != "closed" {
		t.Errorf("unexpected payloads %v", p)
	}
}

func TestMatchers(t *testing.T) {
	tests := []struct {
		matcher StringMatcher
		input   string
		want    bool
	}{
		{Contains("42"), "counter=42", true},
		{Equals("x"), "y", false},
		{Regex(`^\d+$`), "123", true},
		{HasPrefix("ab"), "abc", true},
		{HasSuffix("bc"), "abd", false},
	}
	for _, tc := range tests {
		if got := tc.matcher.Match(tc.input); got != tc.want {
			t.Errorf("%s on %q: expected %v", tc.matcher.Description(), tc.input, tc.want)
		}
	}
}

func scenarioBridge(t *testing.T, p *ScenarioProvider) (*dispatch.Bridge, *capability.Registry) {
	t.Helper()
	r := capability.NewRegistry()
	if err := r.RegisterAll(
		capability.Descriptor{Namespace: "raven/fake", Member: "create", Kind: capability.KindHosted, Args: []string{"name"}},
		capability.Descriptor{Namespace: "raven/fake", Member: "wait", Kind: capability.KindHosted, Timeout: 20 * time.Millisecond},
	); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Seal()
	b := dispatch.New(r)
	if err := b.RegisterProvider("raven/fake", p); err != nil {
		t.Fatalf("provider: %v", err)
	}
	return b, r
}

func TestScenarioProviderThroughBridge(t *testing.T) {
	p := NewScenarioProvider().
		AddResult("create", "created").
		AddFailure("create", dispatch.ProviderCodeAlreadyExists, "name taken").
		AddDelayed("wait", "late", 100*time.Millisecond)
	b, r := scenarioBridge(t, p)
	create, _ := r.Lookup("raven/fake", "create")
	wait, _ := r.Lookup("raven/fake", "wait")

	scope := b.NewScope(context.Background())
	a := NewAssertions(t)

	v, err := scope.Submit(create, []any{"alice"}).Await()
	a.AssertNoError(err, "first create")
	a.AssertEqual("created", v, "first create result")

	_, err = scope.Submit(create, []any{"alice"}).Await()
	a.AssertProviderCode(err, dispatch.ProviderCodeAlreadyExists, "second create")

	_, err = scope.Submit(wait, nil).Await()
	a.AssertErrorCode(err, "TIMEOUT", "delayed answer")

	_, err = scope.Submit(create, []any{"bob"}).Await()
	a.AssertProviderCode(err, "NotScripted", "empty queue")

	first := p.Requests()[0]
	a.AssertRequest(&first).HasMember("create").HasParam("name", "alice").HasCorrelationID()
	if p.CallCount() != 4 {
		t.Errorf("expected 4 calls, got %d: %s", p.CallCount(), FormatRequests(p.Requests()))
	}

	scope.Close()
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !p.Closed() {
		t.Error("bridge should close the provider")
	}
}

func TestScenarioProviderConditionAndDefault(t *testing.T) {
	p := NewScenarioProvider().
		AddScriptedResponse("create", ScriptedResponse{
			Result:    "for bob",
			Condition: func(req *dispatch.Request) bool { return req.Params["name"] == "bob" },
		}).
		WithDefault(ScriptedResponse{Result: "default"})
	b, r := scenarioBridge(t, p)
	defer b.Close(context.Background())
	create, _ := r.Lookup("raven/fake", "create")
	scope := b.NewScope(context.Background())
	defer scope.Close()

	v, _ := scope.Submit(create, []any{"alice"}).Await()
	if v != "default" {
		t.Errorf("expected default, got %v", v)
	}
	v, _ = scope.Submit(create, []any{"bob"}).Await()
	if v != "for bob" {
		t.Errorf("expected conditional answer, got %v", v)
	}

	p.Reset()
	if p.CallCount() != 0 || p.LastRequest() != nil {
		t.Error("reset should clear captured requests")
	}
}

func TestResponseAssertions(t *testing.T) {
	resp := &script.Response{
		Status:  404,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    `{"error":{"code":"UNRESOLVED_IMPORT","message":"no such capability namespace"}}`,
	}
	a := NewAssertions(t)
	a.AssertResponse(resp).
		HasStatus(404).
		HasHeader("Content-Type", "application/json").
		HasBody("no such capability").
		HasFailureCode("UNRESOLVED_IMPORT")
	if a.Failed() {
		t.Fatal("matching assertions must not fail")
	}
}
