// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fe1fan/raven/pkg/errors"
)

// CLIError wraps RavenError with a hint for the operator.
type CLIError struct {
	*errors.RavenError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(re *errors.RavenError, hint string) *CLIError {
	return &CLIError{RavenError: re, Hint: hint}
}

// Error returns the message followed by the hint.
func (e *CLIError) Error() string {
	if e.RavenError == nil {
		return "unknown error"
	}
	msg := e.RavenError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the underlying RavenError.
func (e *CLIError) Unwrap() error { return e.RavenError }

// NewConfigError creates a configuration error.
func NewConfigError(err error, configPath string) *CLIError {
	re := errors.New(errors.CodeInvalidParams, "configuration error", err).
		WithContext("config_path", configPath)
	hint := "check the configuration values and RAVEN_* environment variables"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(re, hint)
}

// NewStartupError reports a component that could not be wired.
func NewStartupError(err error, component string) *CLIError {
	re := errors.AsRavenError(err).WithContext("component", component)
	hint := ""
	switch re.Code {
	case errors.CodeProviderUnavailable:
		hint = fmt.Sprintf("check that the backend of %s is reachable", component)
	case errors.CodeDuplicateDescriptor, errors.CodeInvalidDescriptor:
		hint = "two sources declare the same namespace or a malformed member; check catalogs, mcp and grpc bindings"
	case errors.CodeStorage:
		hint = "check the kv and audit DSNs"
	}
	return NewCLIError(re, hint)
}

// hintFor suggests a next step for errors surfacing from a script run.
func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeUnresolvedImport, errors.CodeUnknownCapability:
		return "run 'raven catalog' to list the namespaces and members available to scripts"
	case errors.CodeImportDenied, errors.CodeUnauthorized:
		return "the governance section of the configuration blocks this namespace"
	case errors.CodeBindingCollision, errors.CodeBindingReassigned, errors.CodeForbiddenConstruct:
		return "imports bind fixed identifiers; do not alias, shadow or assign to them"
	case errors.CodeTimeout:
		return "raise lifecycle.request_timeout or dispatch.default_timeout"
	}
	return ""
}

// PrintError writes err to w, as JSON when asJSON is set.
func PrintError(w io.Writer, err error, asJSON bool) {
	ce, ok := err.(*CLIError)
	if !ok {
		re := errors.AsRavenError(err)
		ce = NewCLIError(re, hintFor(re.Code))
	}
	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
			"code":    ce.Code,
			"message": ce.Message,
			"context": ce.Context,
			"hint":    ce.Hint,
		}})
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", ce.Code, ce.Message)
	if ce.Err != nil {
		fmt.Fprintf(w, "  Cause: %v\n", ce.Err)
	}
	if ce.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", ce.Hint)
	}
}

// exitCode maps errors onto process exit codes: 2 for usage and
// configuration problems, 1 otherwise.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.IsCode(err, errors.CodeInvalidParams) {
		return 2
	}
	return 1
}
