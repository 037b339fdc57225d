// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fe1fan/raven/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Scope binds dispatch to one execution context. Closing the scope
// cancels every hosted call it still owns.
type Scope struct {
	bridge    *Bridge
	ctx       context.Context
	cancel    context.CancelCauseFunc
	requestID string
}

// NewScope opens a dispatch scope under ctx. The request id is taken from
// ctx when present.
func (b *Bridge) NewScope(ctx context.Context) *Scope {
	ctx, requestID := core.EnsureRequestID(ctx)
	ctx, cancel := context.WithCancelCause(ctx)
	return &Scope{bridge: b, ctx: ctx, cancel: cancel, requestID: requestID}
}

// RequestID returns the request id calls are attributed to.
func (s *Scope) RequestID() string { return s.requestID }

// Context returns the scope context.
func (s *Scope) Context() context.Context { return s.ctx }

// Close cancels outstanding hosted calls with ErrScopeClosed. It is safe
// to call more than once.
func (s *Scope) Close() {
	s.cancel(ErrScopeClosed)
}

// Invoke runs a pure member on the calling goroutine.
func (s *Scope) Invoke(d *capability.Descriptor, args []any) (result any, err error) {
	b := s.bridge
	if err := b.known(d); err != nil {
		return nil, err
	}
	if d.Kind != capability.KindPure || d.Pure == nil {
		return nil, errors.New(errors.CodeUnknownCapability,
			fmt.Sprintf("%s is not a pure member", d.Path()), nil)
	}

	outcome := OutcomeOK
	defer func() {
		b.metrics.RecordCall(s.ctx, d.Namespace, d.Member, string(capability.KindPure), string(outcome))
	}()

	params, err := bindAndValidate(d, args)
	if err != nil {
		outcome = OutcomeInvalidParams
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("dispatch.pure.panic",
				slog.String("capability", d.Path()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			outcome = OutcomeProviderError
			result = nil
			err = errors.New(errors.CodeExecution, fmt.Sprintf("%s panicked: %v", d.Path(), r), nil).
				WithContext("capability", d.Path())
		}
	}()
	result, err = d.Pure(params)
	if err != nil {
		if errors.IsCode(err, errors.CodeInvalidParams) {
			outcome = OutcomeInvalidParams
		} else {
			outcome = OutcomeProviderError
		}
		var re *errors.RavenError
		if !stderrors.As(err, &re) {
			re = errors.New(errors.CodeExecution, fmt.Sprintf("%s failed", d.Path()), err)
		}
		return nil, re.WithContext("capability", d.Path())
	}
	return result, nil
}

// Submit issues a hosted call and returns without waiting for the
// provider. Rejections are reported through the returned Call.
func (s *Scope) Submit(d *capability.Descriptor, args []any) *Call {
	b := s.bridge
	started := b.now()
	call := newCall(d, started)
	call.onComplete = func(c *Call) { b.finish(s, c) }

	if err := b.known(d); err != nil {
		call.complete(nil, err, OutcomeUnknownCapability, started)
		return call
	}
	if d.Kind != capability.KindHosted {
		call.complete(nil, errors.New(errors.CodeUnknownCapability,
			fmt.Sprintf("%s is not a hosted member", d.Path()), nil), OutcomeUnknownCapability, started)
		return call
	}

	params, err := bindAndValidate(d, args)
	if err != nil {
		call.complete(nil, err, OutcomeInvalidParams, started)
		return call
	}
	if cause := context.Cause(s.ctx); cause != nil {
		call.complete(nil, errors.New(errors.CodeCancelled,
			fmt.Sprintf("%s cancelled", d.Path()), cause).
			WithContext("capability", d.Path()), OutcomeCancelled, started)
		return call
	}
	if b.authorizer != nil {
		if err := b.authorizer.AuthorizeCall(s.ctx, d.Namespace, d.Member); err != nil {
			call.complete(nil, errors.New(errors.CodeUnauthorized,
				fmt.Sprintf("%s is not permitted", d.Path()), err).
				WithContext("capability", d.Path()), OutcomeUnauthorized, started)
			return call
		}
	}

	pb, ok := b.binding(d.Namespace)
	if !ok {
		call.complete(nil, errors.New(errors.CodeProviderUnavailable,
			fmt.Sprintf("no provider for %s", d.Namespace), nil).
			WithContext("capability", d.Path()), OutcomeUnavailable, started)
		return call
	}
	if err := pb.breaker.Allow(); err != nil {
		call.complete(nil, errors.AsRavenError(err).WithContext("capability", d.Path()), OutcomeUnavailable, started)
		return call
	}

	call.correlationID = uuid.NewString()
	call.timeout = d.Timeout
	if call.timeout <= 0 {
		call.timeout = b.defaultTimeout
	}

	spanCtx, span := b.tracer.Start(s.ctx, "Dispatch.Hosted",
		trace.WithAttributes(telemetry.CapabilityAttributes(d.Namespace, d.Member, string(d.Kind))...),
	)
	call.span = span
	callCtx, cancel := context.WithTimeoutCause(spanCtx, call.timeout, errCallDeadline)
	call.cancel = cancel

	req := &Request{
		CorrelationID: call.correlationID,
		RequestID:     s.requestID,
		Descriptor:    d,
		Params:        params,
	}

	b.logger.Debug("dispatch.call.submit",
		slog.String("capability", d.Path()),
		slog.String("correlation_id", call.correlationID),
		slog.String("request_id", s.requestID),
		slog.Duration("timeout", call.timeout),
	)

	call.binding = pb
	context.AfterFunc(callCtx, func() { b.expire(callCtx, call) })

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.run(callCtx, call, pb, req)
	}()
	return call
}

// Call dispatches d by kind. Pure members complete before Call returns.
func (s *Scope) Call(d *capability.Descriptor, args []any) *Call {
	if d != nil && d.Kind == capability.KindPure {
		started := s.bridge.now()
		c := newCall(d, started)
		result, err := s.Invoke(d, args)
		outcome := OutcomeOK
		if err != nil {
			outcome = OutcomeProviderError
			if errors.IsCode(err, errors.CodeInvalidParams) {
				outcome = OutcomeInvalidParams
			}
		}
		c.complete(result, err, outcome, s.bridge.now())
		return c
	}
	return s.Submit(d, args)
}

func bindAndValidate(d *capability.Descriptor, args []any) (map[string]any, error) {
	params, err := d.BindArgs(args)
	if err != nil {
		return nil, err
	}
	return d.Validate(params)
}
