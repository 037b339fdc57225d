// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle drives one inbound exchange through resolution,
// injection, execution and teardown.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/dispatch"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fe1fan/raven/pkg/resolver"
	"github.com/fe1fan/raven/pkg/script"
	"github.com/fe1fan/raven/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRequestTimeout bounds an execution context when none is configured.
const DefaultRequestTimeout = 30 * time.Second

// State is a step of an execution context.
type State string

const (
	StateCreated          State = "created"
	StateResolving        State = "resolving"
	StateInjected         State = "injected"
	StateExecuting        State = "executing"
	StateResponding       State = "responding"
	StateClosed           State = "closed"
	StateResolutionFailed State = "resolution_failed"
	StateExecutionFailed  State = "execution_failed"
)

// Transition is reported to the OnTransition hook.
type Transition struct {
	RequestID string
	From      State
	To        State
	At        time.Time
}

// Script is the source a request runs.
type Script struct {
	Name   string
	Source string
}

// Controller creates and tears down execution contexts.
type Controller struct {
	registry     *capability.Registry
	bridge       *dispatch.Bridge
	engine       *script.Engine
	resolver     *resolver.Resolver
	authorizer   resolver.ImportAuthorizer
	timeout      time.Duration
	onTransition func(Transition)
	events       core.EventEmitter
	metrics      *telemetry.Metrics
	tracer       trace.Tracer
	logger       *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithRequestTimeout bounds each execution context.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithImportAuthorizer applies an import policy during resolution.
func WithImportAuthorizer(a resolver.ImportAuthorizer) Option {
	return func(c *Controller) { c.authorizer = a }
}

// WithOnTransition observes every state change.
func WithOnTransition(fn func(Transition)) Option {
	return func(c *Controller) { c.onTransition = fn }
}

// WithEventEmitter receives transition and completion events.
func WithEventEmitter(e core.EventEmitter) Option {
	return func(c *Controller) {
		if e != nil {
			c.events = e
		}
	}
}

// WithMetrics records request metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// New creates a controller. The registry must be sealed before serving.
func New(registry *capability.Registry, bridge *dispatch.Bridge, engine *script.Engine, opts ...Option) *Controller {
	c := &Controller{
		registry: registry,
		bridge:   bridge,
		engine:   engine,
		timeout:  DefaultRequestTimeout,
		events:   core.NoopEventEmitter{},
		tracer:   otel.Tracer("raven/lifecycle"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	ropts := []resolver.Option{resolver.WithLogger(c.logger)}
	if c.authorizer != nil {
		ropts = append(ropts, resolver.WithAuthorizer(c.authorizer))
	}
	c.resolver = resolver.New(registry, engine, ropts...)
	return c
}

// Resolver returns the resolver used for every request.
func (c *Controller) Resolver() *resolver.Resolver { return c.resolver }

// execution is the state of one inbound exchange.
type execution struct {
	c         *Controller
	ctx       context.Context
	requestID string
	mu        sync.Mutex
	state     State
}

func (e *execution) to(next State) {
	e.mu.Lock()
	prev := e.state
	e.state = next
	e.mu.Unlock()
	t := Transition{RequestID: e.requestID, From: prev, To: next, At: time.Now()}
	if e.c.onTransition != nil {
		e.c.onTransition(t)
	}
	e.c.events.Emit(e.ctx, core.NewEvent(e.ctx, core.EventStateTransition, map[string]any{
		"from": string(prev),
		"to":   string(next),
	}))
}

func (e *execution) current() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Handle runs s for req in a fresh execution context. It always returns a
// response: failures become a JSON failure exchange.
func (c *Controller) Handle(ctx context.Context, s Script, req *script.Request) (resp *script.Response) {
	if req == nil {
		req = &script.Request{}
	}
	ctx, requestID := core.EnsureRequestID(ctx)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "Lifecycle.Handle", trace.WithAttributes(
		telemetry.RequestAttributes(requestID, core.Worker(ctx), req.Method, req.Path)...,
	))
	defer span.End()

	exec := &execution{c: c, ctx: ctx, requestID: requestID, state: StateCreated}
	started := time.Now()
	log := c.logger.With(slog.String("request_id", requestID), slog.String("script", s.Name))
	log.InfoContext(ctx, "lifecycle.request.start",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
	)

	var failed State
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "lifecycle.panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			failed = StateExecutionFailed
			if exec.current() != StateExecutionFailed {
				exec.to(StateExecutionFailed)
			}
			resp = FailureResponse(errors.New(errors.CodeInternal, fmt.Sprintf("request panicked: %v", r), nil), requestID)
		}
		exec.to(StateClosed)

		outcome := string(StateClosed)
		if failed != "" {
			outcome = string(failed)
		}
		span.SetAttributes(
			attribute.Int("http.response.status_code", resp.Status),
			attribute.String("raven.lifecycle.outcome", outcome),
		)
		c.metrics.RecordRequest(ctx, resp.Status, outcome)
		c.events.Emit(ctx, core.NewEvent(ctx, core.EventRequestComplete, map[string]any{
			"status":  resp.Status,
			"outcome": outcome,
		}))
		log.InfoContext(ctx, "lifecycle.request.complete",
			slog.Int("status", resp.Status),
			slog.String("outcome", outcome),
			slog.Float64("duration_ms", float64(time.Since(started).Microseconds())/1000),
		)
	}()

	fail := func(state State, err error) *script.Response {
		failed = state
		exec.to(state)
		re := errors.AsRavenError(err)
		span.RecordError(re)
		span.SetStatus(codes.Error, re.Message)
		c.metrics.RecordError(ctx, re, "lifecycle")
		log.WarnContext(ctx, "lifecycle.request.failed",
			slog.String("state", string(state)),
			slog.String("code", string(re.Code)),
			slog.String("error", re.Error()),
		)
		return FailureResponse(re, requestID)
	}

	exec.to(StateResolving)
	plan, err := c.resolver.Resolve(ctx, s.Name, s.Source)
	if err != nil {
		return fail(StateResolutionFailed, err)
	}

	scope := c.bridge.NewScope(ctx)
	// Teardown cancels every hosted call the script left outstanding.
	defer scope.Close()
	bindings := resolver.Inject(plan, scope)
	exec.to(StateInjected)

	exec.to(StateExecuting)
	out, err := c.engine.Run(scope.Context(), plan.Program, bindings, req)
	if err != nil {
		return fail(StateExecutionFailed, err)
	}

	exec.to(StateResponding)
	return normalize(out, requestID)
}

func normalize(resp *script.Response, requestID string) *script.Response {
	out := &script.Response{Status: resp.Status, Body: resp.Body, Headers: make(map[string]string, len(resp.Headers)+1)}
	for k, v := range resp.Headers {
		out.Headers[k] = v
	}
	if out.Status == 0 {
		out.Status = 200
	}
	out.Headers[RequestIDHeader] = requestID
	return out
}
