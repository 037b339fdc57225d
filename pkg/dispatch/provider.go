// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/errors"
)

// Provider codes used by the bridge itself. Providers define their own
// codes (AlreadyExists, NotFound, ...) on top of these.
const (
	ProviderCodeInternal        = "Internal"
	ProviderCodeInvalidArgument = "InvalidArgument"
	ProviderCodeUnavailable     = "Unavailable"
	ProviderCodeNotFound        = "NotFound"
	ProviderCodeAlreadyExists   = "AlreadyExists"
	ProviderCodeUnimplemented   = "Unimplemented"
)

// Request is one hosted invocation crossing the trust boundary. It is
// consumed by exactly one provider.
type Request struct {
	CorrelationID string
	RequestID     string
	Descriptor    *capability.Descriptor
	Params        map[string]any
	Attempt       int
}

// Namespace returns the namespace path of the request.
func (r *Request) Namespace() string { return r.Descriptor.Namespace }

// Member returns the member name of the request.
func (r *Request) Member() string { return r.Descriptor.Member }

// Response is a provider's answer to a Request. Exactly one of Result and
// Err is meaningful.
type Response struct {
	CorrelationID string
	Result        any
	Err           *ProviderError
}

// ProviderError is a failure reported by a provider. Retryable marks
// transient failures that an idempotent call may repeat.
type ProviderError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Provider serves the hosted members of one namespace. Handle must honor
// ctx cancellation; a response produced after cancellation is discarded.
type Provider interface {
	Handle(ctx context.Context, req *Request) *Response
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req *Request) *Response

// Handle calls f.
func (f ProviderFunc) Handle(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// Closer is implemented by providers holding resources.
type Closer interface {
	Close(ctx context.Context) error
}

// Result builds a successful response correlated to req.
func Result(req *Request, v any) *Response {
	return &Response{CorrelationID: req.CorrelationID, Result: v}
}

// Failure builds a failed response correlated to req.
func Failure(req *Request, code, format string, args ...any) *Response {
	return &Response{
		CorrelationID: req.CorrelationID,
		Err:           &ProviderError{Code: code, Message: fmt.Sprintf(format, args...)},
	}
}

// Errorf returns a ProviderError for use by operation handlers.
func Errorf(code, format string, args ...any) *ProviderError {
	return &ProviderError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromError converts a handler error into a response. ProviderErrors pass
// through; invalid parameters become InvalidArgument; anything else is
// Internal.
func FromError(req *Request, err error) *Response {
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return &Response{CorrelationID: req.CorrelationID, Err: pe}
	}
	if errors.IsCode(err, errors.CodeInvalidParams) {
		return Failure(req, ProviderCodeInvalidArgument, "%s", errors.AsRavenError(err).Message)
	}
	return Failure(req, ProviderCodeInternal, "%v", err)
}

// Ops routes requests to per-member handlers. It is the usual way to serve
// operations built with capability.Op.
type Ops map[string]capability.OpHandler

// Handle dispatches on the member name.
func (o Ops) Handle(ctx context.Context, req *Request) *Response {
	h, ok := o[req.Member()]
	if !ok {
		return Failure(req, ProviderCodeUnimplemented, "%s is not implemented by this provider", req.Descriptor.Path())
	}
	result, err := h(ctx, req.Params)
	if err != nil {
		return FromError(req, err)
	}
	return Result(req, result)
}
