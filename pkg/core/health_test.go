// SPDX-License-Identifier: Apache-2.0
package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	ravenerrors "github.com/fe1fan/raven/pkg/errors"
)

func staticChecker(status HealthStatus, msg string) HealthChecker {
	return HealthFunc(func(context.Context) HealthResult {
		return HealthResult{Status: status, Message: msg}
	})
}

func TestHealthStatusCode(t *testing.T) {
	tests := []struct {
		status HealthStatus
		want   int
	}{
		{HealthHealthy, 200},
		{HealthDegraded, 200},
		{HealthUnhealthy, 503},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.StatusCode(); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestHealthRegistryOverall(t *testing.T) {
	tests := []struct {
		name     string
		statuses []HealthStatus
		want     HealthStatus
	}{
		{"all healthy", []HealthStatus{HealthHealthy, HealthHealthy}, HealthHealthy},
		{"one degraded", []HealthStatus{HealthHealthy, HealthDegraded}, HealthDegraded},
		{"unhealthy wins", []HealthStatus{HealthDegraded, HealthUnhealthy, HealthHealthy}, HealthUnhealthy},
		{"empty", nil, HealthHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewHealthRegistry(-1)
			for i, s := range tt.statuses {
				p.RegisterChecker(string(rune('a'+i)), staticChecker(s, ""))
			}
			results, overall := p.CheckAll(context.Background())
			if overall != tt.want {
				t.Errorf("expected %s, got %s", tt.want, overall)
			}
			if len(results) != len(tt.statuses) {
				t.Fatalf("expected %d results, got %d", len(tt.statuses), len(results))
			}
			for i := 1; i < len(results); i++ {
				if results[i-1].Component > results[i].Component {
					t.Errorf("results not sorted: %q before %q", results[i-1].Component, results[i].Component)
				}
			}
		})
	}
}

func TestCheckSpecific(t *testing.T) {
	p := NewHealthRegistry(-1)
	p.RegisterChecker("kv", staticChecker(HealthHealthy, "ok"))

	result, err := p.Check(context.Background(), "kv")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Component != "kv" || result.Message != "ok" {
		t.Errorf("unexpected result %+v", result)
	}
	if result.LastCheck.IsZero() {
		t.Errorf("expected LastCheck to be set")
	}

	if _, err := p.Check(context.Background(), "missing"); !ravenerrors.IsCode(err, ravenerrors.CodeNotFound) {
		t.Errorf("expected NOT_FOUND for an unregistered checker, got %v", err)
	}
}

func TestHealthCache(t *testing.T) {
	calls := 0
	p := NewHealthRegistry(time.Minute)
	p.RegisterChecker("provider", HealthFunc(func(context.Context) HealthResult {
		calls++
		return HealthResult{Status: HealthHealthy}
	}))

	for i := 0; i < 3; i++ {
		if _, err := p.Check(context.Background(), "provider"); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("expected cached result after first call, checker ran %d times", calls)
	}
}

func TestPingChecker(t *testing.T) {
	healthy := PingChecker(func(context.Context) error { return nil }).Check(context.Background())
	if healthy.Status != HealthHealthy {
		t.Errorf("expected healthy, got %s", healthy.Status)
	}

	p := NewHealthRegistry(-1)
	p.RegisterChecker("db", PingChecker(func(context.Context) error { return errors.New("database is locked") }))
	result, _ := p.Check(context.Background(), "db")
	if result.Status != HealthUnhealthy {
		t.Errorf("expected unhealthy, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "locked") {
		t.Errorf("expected error message to be surfaced, got %q", result.Message)
	}
}

func TestHealthCheckTimeout(t *testing.T) {
	p := NewHealthRegistry(-1, WithCheckTimeout(20*time.Millisecond))
	p.RegisterChecker("hung", HealthFunc(func(ctx context.Context) HealthResult {
		<-ctx.Done()
		time.Sleep(time.Second)
		return HealthResult{Status: HealthHealthy}
	}))
	p.RegisterChecker("kv", staticChecker(HealthHealthy, ""))

	start := time.Now()
	results, overall := p.CheckAll(context.Background())
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("a hung checker stalled the report for %v", elapsed)
	}
	if overall != HealthUnhealthy || len(results) != 2 {
		t.Fatalf("expected an unhealthy report of two components, got %s %+v", overall, results)
	}
	if results[0].Component != "hung" || results[0].Status != HealthUnhealthy {
		t.Errorf("unexpected result %+v", results[0])
	}
	if results[1].Status != HealthHealthy {
		t.Errorf("the other checker must still report, got %+v", results[1])
	}
}

func TestEmptyStatusCountsAsHealthy(t *testing.T) {
	p := NewHealthRegistry(-1)
	p.RegisterChecker("quiet", HealthFunc(func(context.Context) HealthResult { return HealthResult{} }))
	if _, overall := p.CheckAll(context.Background()); overall != HealthHealthy {
		t.Errorf("expected healthy, got %s", overall)
	}
	if names := p.Names(); len(names) != 1 || names[0] != "quiet" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestRequestIDHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := RequestID(ctx); ok {
		t.Fatal("expected no request id on empty context")
	}
	ctx, id := EnsureRequestID(ctx)
	if !strings.HasPrefix(id, "req-") {
		t.Errorf("unexpected id %q", id)
	}
	again, id2 := EnsureRequestID(ctx)
	if id2 != id || again != ctx {
		t.Errorf("EnsureRequestID should keep an existing id")
	}
	if Worker(WithWorker(ctx, "hello")) != "hello" {
		t.Errorf("expected worker name round trip")
	}
}
