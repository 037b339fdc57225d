// Package core holds the request-scoped context helpers, the semantic
// event model and the health model shared by the KV store, providers and
// the HTTP front.
package core

import (
	"context"
	"net/http"
	"time"
)

// HealthStatus is the state of one component or of the whole process.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// HealthResult is the outcome of one check.
type HealthResult struct {
	Status    HealthStatus `json:"status"`
	Component string       `json:"component"`
	Message   string       `json:"message,omitempty"`
	LastCheck time.Time    `json:"last_check"`
	Error     error        `json:"-"`
}

// HealthChecker checks one component. Check must honor ctx.
type HealthChecker interface {
	Check(ctx context.Context) HealthResult
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) HealthResult

// Check calls f.
func (f HealthFunc) Check(ctx context.Context) HealthResult { return f(ctx) }

// HealthCheckProvider aggregates named checkers.
type HealthCheckProvider interface {
	RegisterChecker(name string, checker HealthChecker)
	CheckAll(ctx context.Context) ([]HealthResult, HealthStatus)
	Check(ctx context.Context, name string) (HealthResult, error)
}

// PingChecker reports unhealthy while ping fails.
func PingChecker(ping func(ctx context.Context) error) HealthChecker {
	return HealthFunc(func(ctx context.Context) HealthResult {
		if err := ping(ctx); err != nil {
			return HealthResult{Status: HealthUnhealthy, Error: err}
		}
		return HealthResult{Status: HealthHealthy}
	})
}

// worse returns the more severe of two statuses.
func worse(a, b HealthStatus) HealthStatus {
	rank := func(s HealthStatus) int {
		switch s {
		case HealthUnhealthy:
			return 2
		case HealthDegraded:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// StatusCode maps an overall status to the HTTP status of /healthz.
// Degraded still serves traffic.
func (s HealthStatus) StatusCode() int {
	if s == HealthUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
