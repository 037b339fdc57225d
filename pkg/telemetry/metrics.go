// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fe1fan/raven/pkg/errors"
)

// Metrics holds the instruments shared by dispatch and lifecycle.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	calls         metric.Int64Counter
	callDuration  metric.Float64Histogram
	lateResponses metric.Int64Counter
	requests      metric.Int64Counter
	errorCounter  metric.Int64Counter
	breakerState  metric.Int64Gauge
}

// NewMetrics creates the Raven instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("raven")

	calls, err := meter.Int64Counter(
		"raven.dispatch.calls",
		metric.WithDescription("Capability calls by namespace, member, kind and outcome"),
	)
	if err != nil {
		return nil, err
	}

	callDuration, err := meter.Float64Histogram(
		"raven.dispatch.duration",
		metric.WithDescription("Hosted call latency from submit to terminal outcome"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	lateResponses, err := meter.Int64Counter(
		"raven.dispatch.late_responses",
		metric.WithDescription("Provider responses discarded because the call already completed"),
	)
	if err != nil {
		return nil, err
	}

	requests, err := meter.Int64Counter(
		"raven.requests",
		metric.WithDescription("Inbound exchanges by final status and state"),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"raven.errors.total",
		metric.WithDescription("Errors by code, family and component"),
	)
	if err != nil {
		return nil, err
	}

	breakerState, err := meter.Int64Gauge(
		"raven.circuitbreaker.state",
		metric.WithDescription("Provider circuit breaker state (0=open, 1=half-open, 2=closed)"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		calls:         calls,
		callDuration:  callDuration,
		lateResponses: lateResponses,
		requests:      requests,
		errorCounter:  errorCounter,
		breakerState:  breakerState,
	}, nil
}

// RecordCall counts one capability call outcome.
func (m *Metrics) RecordCall(ctx context.Context, namespace, member, kind, outcome string) {
	if m == nil {
		return
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrNamespace, namespace),
		attribute.String(AttrMember, member),
		attribute.String(AttrKind, kind),
		attribute.String(AttrOutcome, outcome),
	))
}

// RecordCallDuration records hosted call latency in milliseconds.
func (m *Metrics) RecordCallDuration(ctx context.Context, namespace, member string, ms float64) {
	if m == nil {
		return
	}
	m.callDuration.Record(ctx, ms, metric.WithAttributes(
		attribute.String(AttrNamespace, namespace),
		attribute.String(AttrMember, member),
	))
}

// RecordLateResponse counts a discarded provider response.
func (m *Metrics) RecordLateResponse(ctx context.Context, namespace, member string) {
	if m == nil {
		return
	}
	m.lateResponses.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrNamespace, namespace),
		attribute.String(AttrMember, member),
	))
}

// RecordRequest counts one finished inbound exchange.
func (m *Metrics) RecordRequest(ctx context.Context, status int, state string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.Int(AttrRequestStatus, status),
		attribute.String(AttrRequestState, state),
	))
}

// RecordError increments the error counter for err in component.
func (m *Metrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	code := errors.CodeOf(err)
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, string(code)),
		attribute.String(AttrErrorFamily, string(errors.FamilyOf(code))),
		attribute.String("component", component),
	))
}

// RecordBreakerState records a provider breaker state (0=open, 1=half-open, 2=closed).
func (m *Metrics) RecordBreakerState(ctx context.Context, namespace string, state int64) {
	if m == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(
		attribute.String(AttrNamespace, namespace),
	))
}
