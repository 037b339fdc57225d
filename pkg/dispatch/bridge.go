// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes capability calls from scripts to their
// implementations. Pure members run synchronously on the caller's
// goroutine. Hosted members are forwarded to the provider bound to their
// namespace and return a Call that the script awaits.
package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fe1fan/raven/pkg/resilience"
	"github.com/fe1fan/raven/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds hosted calls whose descriptor has no timeout.
	DefaultTimeout = 5 * time.Second
	auditTimeout   = 2 * time.Second
)

var (
	// ErrScopeClosed is the cancellation cause of calls outstanding when
	// their execution context is torn down.
	ErrScopeClosed = stderrors.New("execution context closed")

	errCallDeadline = stderrors.New("call deadline exceeded")
)

// Authorizer decides whether a script may call namespace.member.
type Authorizer interface {
	AuthorizeCall(ctx context.Context, namespace, member string) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, namespace, member string) error

// AuthorizeCall calls f.
func (f AuthorizerFunc) AuthorizeCall(ctx context.Context, namespace, member string) error {
	return f(ctx, namespace, member)
}

type providerBinding struct {
	namespace string
	provider  Provider
	breaker   *resilience.CircuitBreaker
	limiter   *rate.Limiter
}

// Bridge is the process-wide dispatcher. It is safe for concurrent use by
// many execution contexts.
type Bridge struct {
	registry *capability.Registry

	mu        sync.RWMutex
	providers map[string]*providerBinding

	authorizer     Authorizer
	defaultTimeout time.Duration
	retryAttempts  int
	retry          resilience.RetryConfig
	breakerCfg     resilience.CircuitBreakerConfig
	rateLimit      rate.Limit
	burst          int
	audit          AuditStore
	metrics        *telemetry.Metrics
	tracer         trace.Tracer
	logger         *slog.Logger
	now            func() time.Time

	inflight sync.WaitGroup
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDefaultTimeout sets the deadline of hosted calls without their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.defaultTimeout = d
		}
	}
}

// WithAuthorizer installs the call policy.
func WithAuthorizer(a Authorizer) Option {
	return func(b *Bridge) { b.authorizer = a }
}

// WithRetry sets how many attempts idempotent calls get on retryable
// provider errors.
func WithRetry(attempts int, initialDelay time.Duration) Option {
	return func(b *Bridge) {
		b.retryAttempts = attempts
		if initialDelay > 0 {
			b.retry = b.retry.WithInitialDelay(initialDelay)
		}
	}
}

// WithBreaker configures the per-provider circuit breaker.
func WithBreaker(failures int, cooldown time.Duration) Option {
	return func(b *Bridge) {
		b.breakerCfg.FailureThreshold = failures
		b.breakerCfg.Timeout = cooldown
	}
}

// WithRateLimit limits hosted calls per namespace. A zero limit disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *Bridge) {
		b.rateLimit = rate.Limit(perSecond)
		b.burst = burst
	}
}

// WithAudit records every hosted call outcome.
func WithAudit(store AuditStore) Option {
	return func(b *Bridge) { b.audit = store }
}

// WithMetrics records dispatch metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bridge) { b.tracer = t }
}

// New creates a bridge over a registry.
func New(registry *capability.Registry, opts ...Option) *Bridge {
	b := &Bridge{
		registry:       registry,
		providers:      make(map[string]*providerBinding),
		defaultTimeout: DefaultTimeout,
		retryAttempts:  1,
		retry:          resilience.DefaultRetryConfig(),
		breakerCfg:     resilience.CircuitBreakerConfig{FailureThreshold: 5, Timeout: 30 * time.Second},
		burst:          1,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer("raven/dispatch")
	}
	return b
}

// RegisterProvider binds a provider to a hosted namespace.
func (b *Bridge) RegisterProvider(namespace string, p Provider) error {
	set, err := b.registry.Namespace(namespace)
	if err != nil {
		return err
	}
	if !set.Hosted() {
		return errors.New(errors.CodeInvalidDescriptor,
			fmt.Sprintf("namespace %s has no hosted members", namespace), nil)
	}
	if p == nil {
		return errors.New(errors.CodeInvalidDescriptor, "provider is nil", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.providers[namespace]; dup {
		return errors.New(errors.CodeDuplicateProvider,
			fmt.Sprintf("namespace %s already has a provider", namespace), nil)
	}

	cfg := b.breakerCfg
	cfg.Name = namespace
	cfg.OnStateChange = func(name string, from, to resilience.CircuitBreakerState) {
		b.logger.Warn("dispatch.breaker.transition",
			slog.String("namespace", name),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		b.metrics.RecordBreakerState(context.Background(), name, to.Value())
	}
	pb := &providerBinding{
		namespace: namespace,
		provider:  p,
		breaker:   resilience.NewCircuitBreaker(cfg),
	}
	if b.rateLimit > 0 {
		pb.limiter = rate.NewLimiter(b.rateLimit, max(b.burst, 1))
	}
	b.providers[namespace] = pb
	b.logger.Info("dispatch.provider.registered", slog.String("namespace", namespace))
	return nil
}

// Providers returns the namespaces that have a provider, sorted.
func (b *Bridge) Providers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.providers))
	for ns := range b.providers {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Breaker returns the circuit breaker guarding a namespace.
func (b *Bridge) Breaker(namespace string) (*resilience.CircuitBreaker, bool) {
	pb, ok := b.binding(namespace)
	if !ok {
		return nil, false
	}
	return pb.breaker, true
}

// Registry returns the registry the bridge dispatches against.
func (b *Bridge) Registry() *capability.Registry { return b.registry }

// RegisterHealth adds one checker per provider. An open breaker reports
// unhealthy and a half-open one degraded.
func (b *Bridge) RegisterHealth(hp core.HealthCheckProvider) {
	for _, ns := range b.Providers() {
		pb, _ := b.binding(ns)
		hp.RegisterChecker("provider:"+ns, core.HealthFunc(func(ctx context.Context) core.HealthResult {
			switch pb.breaker.State() {
			case resilience.StateOpen:
				return core.HealthResult{Status: core.HealthUnhealthy, Message: "circuit breaker open"}
			case resilience.StateHalfOpen:
				return core.HealthResult{Status: core.HealthDegraded, Message: "circuit breaker half-open"}
			}
			if hc, ok := pb.provider.(core.HealthChecker); ok {
				return hc.Check(ctx)
			}
			return core.HealthResult{Status: core.HealthHealthy}
		}))
	}
}

// Close waits for in-flight provider calls, then closes providers that
// hold resources.
func (b *Bridge) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.RLock()
	bindings := make([]*providerBinding, 0, len(b.providers))
	for _, pb := range b.providers {
		bindings = append(bindings, pb)
	}
	b.mu.RUnlock()

	var errs []error
	for _, pb := range bindings {
		if c, ok := pb.provider.(Closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close provider %s: %w", pb.namespace, err))
			}
		}
	}
	return stderrors.Join(errs...)
}

func (b *Bridge) binding(namespace string) (*providerBinding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pb, ok := b.providers[namespace]
	return pb, ok
}

// known rejects descriptors that did not come from the registry.
func (b *Bridge) known(d *capability.Descriptor) error {
	if d == nil {
		return errors.New(errors.CodeUnknownCapability, "nil capability descriptor", nil)
	}
	registered, err := b.registry.Lookup(d.Namespace, d.Member)
	if err != nil {
		return err
	}
	if registered != d {
		return errors.New(errors.CodeUnknownCapability,
			fmt.Sprintf("%s is not the registered descriptor", d.Path()), nil)
	}
	return nil
}

// run executes a hosted request on its own goroutine and delivers the
// response to the call unless the call already completed.
func (b *Bridge) run(ctx context.Context, call *Call, pb *providerBinding, req *Request) {
	if pb.limiter != nil {
		if err := pb.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				call.complete(nil, b.timeoutError(call, "rate limit wait exceeds the call deadline"), OutcomeTimeout, b.now())
			}
			return
		}
	}

	attempts := 1
	if call.descriptor.Idempotent && b.retryAttempts > 1 {
		attempts = b.retryAttempts
	}
	retry := b.retry.WithMaxAttempts(attempts).
		WithIsRecoverable(isRetryable).
		WithOnRetry(func(attempt int, lastErr error) {
			b.logger.Info("dispatch.call.retry",
				slog.String("capability", call.descriptor.Path()),
				slog.String("correlation_id", call.correlationID),
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()),
			)
		})

	var resp *Response
	call.sent.Store(true)
	_ = retry.Do(ctx, func() error {
		req.Attempt++
		resp = b.handle(ctx, pb, req)
		if resp.Err != nil {
			return resp.Err
		}
		return nil
	})

	var (
		result  any
		err     error
		outcome = OutcomeOK
	)
	if resp.Err != nil {
		err = providerFailure(call, resp.Err)
		outcome = OutcomeProviderError
	} else {
		result = resp.Result
	}

	// Once the call context ended, expire owns the outcome.
	if ctx.Err() != nil || !call.complete(result, err, outcome, b.now()) {
		b.discard(call, resp)
	}
}

// handle invokes the provider, converting panics and malformed responses
// into Internal provider errors.
func (b *Bridge) handle(ctx context.Context, pb *providerBinding, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("dispatch.provider.panic",
				slog.String("capability", req.Descriptor.Path()),
				slog.String("correlation_id", req.CorrelationID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			resp = Failure(req, ProviderCodeInternal, "provider panicked: %v", r)
		}
	}()

	resp = pb.provider.Handle(ctx, req)
	switch {
	case resp == nil:
		resp = Failure(req, ProviderCodeInternal, "provider returned no response")
	case resp.CorrelationID == "":
		resp.CorrelationID = req.CorrelationID
	case resp.CorrelationID != req.CorrelationID:
		resp = Failure(req, ProviderCodeInternal,
			"response correlated to %s, expected %s", resp.CorrelationID, req.CorrelationID)
	}
	return resp
}

// expire completes a call whose context ended before the provider answered.
func (b *Bridge) expire(ctx context.Context, call *Call) {
	select {
	case <-call.done:
		return
	default:
	}
	cause := context.Cause(ctx)
	switch {
	case stderrors.Is(cause, errCallDeadline), stderrors.Is(cause, context.DeadlineExceeded):
		call.complete(nil, b.timeoutError(call, "provider did not answer before the deadline"), OutcomeTimeout, b.now())
	default:
		err := errors.New(errors.CodeCancelled,
			fmt.Sprintf("%s cancelled", call.descriptor.Path()), cause).
			WithContext("capability", call.descriptor.Path()).
			WithContext("correlation_id", call.correlationID)
		call.complete(nil, err, OutcomeCancelled, b.now())
	}
}

func (b *Bridge) discard(call *Call, resp *Response) {
	attrs := []any{
		slog.String("capability", call.descriptor.Path()),
		slog.String("correlation_id", call.correlationID),
		slog.String("outcome", string(call.Outcome())),
	}
	if resp.Err != nil {
		attrs = append(attrs, slog.String("provider_code", resp.Err.Code))
	}
	b.logger.Warn("dispatch.response.discarded", attrs...)
	b.metrics.RecordLateResponse(context.Background(), call.descriptor.Namespace, call.descriptor.Member)
}

func (b *Bridge) timeoutError(call *Call, reason string) error {
	return errors.New(errors.CodeTimeout,
		fmt.Sprintf("%s timed out", call.descriptor.Path()), nil).
		WithContext("capability", call.descriptor.Path()).
		WithContext("correlation_id", call.correlationID).
		WithContext("timeout", call.timeout.String()).
		WithContext("reason", reason)
}

// finish runs once per hosted call after its terminal outcome.
func (b *Bridge) finish(s *Scope, call *Call) {
	if call.cancel != nil {
		call.cancel()
	}
	ctx := context.WithoutCancel(s.ctx)
	d := call.descriptor
	dur := call.Duration()
	ms := float64(dur) / float64(time.Millisecond)
	outcome := call.Outcome()
	_, callErr := call.terminal()

	providerCode := ""
	var pe *ProviderError
	if stderrors.As(callErr, &pe) {
		providerCode = pe.Code
	}

	if pb := call.binding; pb != nil {
		switch {
		case outcome == OutcomeTimeout && call.sent.Load():
			pb.breaker.Failure()
		case pe != nil && (pe.Retryable || pe.Code == ProviderCodeInternal):
			pb.breaker.Failure()
		case outcome == OutcomeOK, outcome == OutcomeProviderError:
			pb.breaker.Success()
		}
	}

	b.metrics.RecordCall(ctx, d.Namespace, d.Member, string(capability.KindHosted), string(outcome))
	b.metrics.RecordCallDuration(ctx, d.Namespace, d.Member, ms)
	if callErr != nil {
		b.metrics.RecordError(ctx, callErr, "dispatch")
	}

	if call.span != nil {
		call.span.SetAttributes(telemetry.DispatchAttributes(call.correlationID, string(outcome), ms, providerCode)...)
		if callErr != nil {
			call.span.RecordError(callErr)
			call.span.SetStatus(codes.Error, string(errors.CodeOf(callErr)))
		} else {
			call.span.SetStatus(codes.Ok, "")
		}
		call.span.End()
	}

	level := slog.LevelDebug
	if outcome == OutcomeTimeout || outcome == OutcomeUnavailable {
		level = slog.LevelWarn
	}
	b.logger.Log(ctx, level, "dispatch.call.complete",
		slog.String("capability", d.Path()),
		slog.String("correlation_id", call.correlationID),
		slog.String("request_id", s.requestID),
		slog.String("outcome", string(outcome)),
		slog.Float64("duration_ms", ms),
	)

	if b.audit != nil {
		rec := AuditRecord{
			CorrelationID: call.correlationID,
			RequestID:     s.requestID,
			Namespace:     d.Namespace,
			Member:        d.Member,
			Outcome:       outcome,
			ProviderCode:  providerCode,
			StartedAt:     call.started,
			FinishedAt:    call.started.Add(dur),
		}
		if callErr != nil {
			rec.ErrorCode = string(errors.CodeOf(callErr))
		}
		actx, cancel := context.WithTimeout(ctx, auditTimeout)
		if err := b.audit.Record(actx, rec); err != nil {
			b.logger.Warn("dispatch.audit.error",
				slog.String("correlation_id", call.correlationID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

func providerFailure(call *Call, pe *ProviderError) error {
	return errors.New(errors.CodeProviderError,
		fmt.Sprintf("%s failed", call.descriptor.Path()), pe).
		WithContext("capability", call.descriptor.Path()).
		WithContext("correlation_id", call.correlationID).
		WithContext("provider_code", pe.Code).
		WithRecoverable(pe.Retryable)
}

func isRetryable(err error) bool {
	var pe *ProviderError
	return stderrors.As(err, &pe) && pe.Retryable
}

// ProviderCode returns the provider code carried by a dispatch error.
func ProviderCode(err error) string {
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
