// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides typed error handling with rich context for Raven.
// Every failure that crosses a package boundary carries an ErrorCode so the
// lifecycle controller can turn it into a status-coded failure exchange.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies Raven errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidParams indicates call parameters failed schema validation.
	CodeInvalidParams ErrorCode = "INVALID_PARAMS"

	// CodeInvalidDescriptor indicates a descriptor could not be registered.
	CodeInvalidDescriptor ErrorCode = "INVALID_DESCRIPTOR"

	// CodeDuplicateDescriptor indicates a namespace+member was registered twice.
	CodeDuplicateDescriptor ErrorCode = "DUPLICATE_DESCRIPTOR"

	// CodeRegistrySealed indicates a registration after serving started.
	CodeRegistrySealed ErrorCode = "REGISTRY_SEALED"

	// CodeUnknownCapability indicates a namespace or member is not registered.
	CodeUnknownCapability ErrorCode = "UNKNOWN_CAPABILITY"

	// CodeUnresolvedImport indicates a script import has no namespace.
	CodeUnresolvedImport ErrorCode = "UNRESOLVED_IMPORT"

	// CodeImportDenied indicates governance refused a namespace import.
	CodeImportDenied ErrorCode = "IMPORT_DENIED"

	// CodeBindingCollision indicates two imports expose the same identifier.
	CodeBindingCollision ErrorCode = "BINDING_COLLISION"

	// CodeBindingReassigned indicates the script shadows or reassigns a binding.
	CodeBindingReassigned ErrorCode = "BINDING_REASSIGNED"

	// CodeForbiddenConstruct indicates the script uses a construct the sandbox rejects.
	CodeForbiddenConstruct ErrorCode = "FORBIDDEN_CONSTRUCT"

	// CodeProviderUnavailable indicates no usable provider is bound to a hosted namespace.
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"

	// CodeDuplicateProvider indicates a namespace already has a provider.
	CodeDuplicateProvider ErrorCode = "DUPLICATE_PROVIDER"

	// CodeProviderError indicates the provider reported a failure.
	CodeProviderError ErrorCode = "PROVIDER_ERROR"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeCancelled indicates the owning execution context was torn down.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeUnauthorized indicates a policy refused the call.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeRateLimit indicates rate limiting was triggered.
	CodeRateLimit ErrorCode = "RATE_LIMITED"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeExecution indicates an uncaught script fault.
	CodeExecution ErrorCode = "EXECUTION_ERROR"

	// CodeStorage indicates a key-value backend failure.
	CodeStorage ErrorCode = "STORAGE_ERROR"
)

// Family groups error codes into the four failure classes seen by operators.
type Family string

const (
	FamilyValidation Family = "ValidationError"
	FamilyResolution Family = "ResolutionError"
	FamilyDispatch   Family = "DispatchError"
	FamilyExecution  Family = "ExecutionError"
	FamilyInternal   Family = "InternalError"
)

// RavenError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type RavenError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int // HTTP status of the failure exchange
}

// Error implements the error interface.
func (e *RavenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *RavenError) Unwrap() error {
	return e.Err
}

// Family returns the failure class of the error code.
func (e *RavenError) Family() Family {
	return FamilyOf(e.Code)
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *RavenError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Family      string                 `json:"family"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		StatusCode  int                    `json:"status_code"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Family:      string(e.Family()),
		Err:         cause,
		Context:     e.Context,
		Attributes:  e.Attributes,
		Recoverable: e.Recoverable,
		StatusCode:  e.StatusCode,
	})
}

// New creates a new RavenError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *RavenError {
	return &RavenError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *RavenError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *RavenError) WithContext(key string, value interface{}) *RavenError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *RavenError) WithAttribute(key, value string) *RavenError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *RavenError) WithRecoverable(recoverable bool) *RavenError {
	e.Recoverable = recoverable
	return e
}

// AsRavenError attempts to convert an error to a RavenError.
// Returns the first RavenError in the chain, or wraps err as internal.
func AsRavenError(err error) *RavenError {
	if err == nil {
		return nil
	}
	var re *RavenError
	if stderrors.As(err, &re) {
		return re
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first RavenError in the chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var re *RavenError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var re *RavenError
	if stderrors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *RavenError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// FamilyOf maps an error code to its failure class.
func FamilyOf(code ErrorCode) Family {
	switch code {
	case CodeInvalidParams:
		return FamilyValidation
	case CodeUnknownCapability, CodeUnresolvedImport, CodeImportDenied,
		CodeBindingCollision, CodeBindingReassigned, CodeForbiddenConstruct:
		return FamilyResolution
	case CodeProviderUnavailable, CodeProviderError, CodeTimeout,
		CodeCancelled, CodeUnauthorized, CodeRateLimit:
		return FamilyDispatch
	case CodeExecution:
		return FamilyExecution
	default:
		return FamilyInternal
	}
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeInvalidParams:
		return 400
	case CodeImportDenied, CodeUnauthorized:
		return 403
	case CodeNotFound, CodeUnknownCapability, CodeUnresolvedImport:
		return 404
	case CodeBindingCollision, CodeBindingReassigned, CodeForbiddenConstruct:
		return 422
	case CodeRateLimit:
		return 429
	case CodeCancelled:
		return 499
	case CodeProviderError:
		return 502
	case CodeProviderUnavailable:
		return 503
	case CodeTimeout:
		return 504
	default:
		return 500
	}
}
