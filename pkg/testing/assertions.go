// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/fe1fan/raven/pkg/dispatch"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fe1fan/raven/pkg/script"
)

// Assertions provides assertion helpers for testing.
type Assertions struct {
	t      *testing.T
	failed bool
}

// NewAssertions creates a new assertions helper.
func NewAssertions(t *testing.T) *Assertions {
	return &Assertions{t: t}
}

// Failed returns true if any assertion has failed.
func (a *Assertions) Failed() bool {
	return a.failed
}

func (a *Assertions) errorf(format string, args ...any) {
	a.t.Helper()
	a.t.Errorf(format, args...)
	a.failed = true
}

// AssertEqual asserts that two values are deeply equal.
func (a *Assertions) AssertEqual(expected, actual any, msg string) {
	a.t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		a.errorf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertContains asserts that the string contains the substring.
func (a *Assertions) AssertContains(s, substr, msg string) {
	a.t.Helper()
	if !strings.Contains(s, substr) {
		a.errorf("%s: %q does not contain %q", msg, s, substr)
	}
}

// AssertNoError asserts that the error is nil.
func (a *Assertions) AssertNoError(err error, msg string) {
	a.t.Helper()
	if err != nil {
		a.errorf("%s: unexpected error: %v", msg, err)
	}
}

// AssertErrorCode asserts that err carries the Raven error code.
func (a *Assertions) AssertErrorCode(err error, code errors.ErrorCode, msg string) {
	a.t.Helper()
	if err == nil {
		a.errorf("%s: expected %s, got nil", msg, code)
		return
	}
	if got := errors.CodeOf(err); got != code {
		a.errorf("%s: expected %s, got %s (%v)", msg, code, got, err)
	}
}

// AssertProviderCode asserts that err is a provider failure with code.
func (a *Assertions) AssertProviderCode(err error, code, msg string) {
	a.t.Helper()
	if got := dispatch.ProviderCode(err); got != code {
		a.errorf("%s: expected provider code %q, got %q (%v)", msg, code, got, err)
	}
}

// RequestAssertions provides fluent assertions on a captured dispatch request.
type RequestAssertions struct {
	*Assertions
	req *dispatch.Request
}

// AssertRequest starts assertions on req.
func (a *Assertions) AssertRequest(req *dispatch.Request) *RequestAssertions {
	a.t.Helper()
	if req == nil {
		a.t.Fatal("request is nil")
	}
	return &RequestAssertions{Assertions: a, req: req}
}

// HasMember asserts the member the request addressed.
func (r *RequestAssertions) HasMember(member string) *RequestAssertions {
	r.t.Helper()
	if r.req.Member() != member {
		r.errorf("expected member %q, got %q", member, r.req.Member())
	}
	return r
}

// HasParam asserts a validated parameter value.
func (r *RequestAssertions) HasParam(key string, value any) *RequestAssertions {
	r.t.Helper()
	got, ok := r.req.Params[key]
	if !ok {
		r.errorf("param %q missing from %v", key, r.req.Params)
		return r
	}
	if !reflect.DeepEqual(got, value) {
		r.errorf("param %q: expected %v (%T), got %v (%T)", key, value, value, got, got)
	}
	return r
}

// HasCorrelationID asserts that a correlation id was assigned.
func (r *RequestAssertions) HasCorrelationID() *RequestAssertions {
	r.t.Helper()
	if r.req.CorrelationID == "" {
		r.errorf("request has no correlation id")
	}
	return r
}

// ResponseAssertions provides fluent assertions on a script response.
type ResponseAssertions struct {
	*Assertions
	resp *script.Response
}

// AssertResponse starts assertions on resp.
func (a *Assertions) AssertResponse(resp *script.Response) *ResponseAssertions {
	a.t.Helper()
	if resp == nil {
		a.t.Fatal("response is nil")
	}
	return &ResponseAssertions{Assertions: a, resp: resp}
}

// HasStatus asserts the status code.
func (r *ResponseAssertions) HasStatus(status int) *ResponseAssertions {
	r.t.Helper()
	if r.resp.Status != status {
		r.errorf("expected status %d, got %d: %s", status, r.resp.Status, r.resp.Body)
	}
	return r
}

// HasBody asserts that the body contains substr.
func (r *ResponseAssertions) HasBody(contains string) *ResponseAssertions {
	r.t.Helper()
	if !strings.Contains(r.resp.Body, contains) {
		r.errorf("expected body containing %q, got %q", contains, r.resp.Body)
	}
	return r
}

// HasHeader asserts a header value.
func (r *ResponseAssertions) HasHeader(name, value string) *ResponseAssertions {
	r.t.Helper()
	if got := r.resp.Headers[name]; got != value {
		r.errorf("expected header %s=%q, got %q", name, value, got)
	}
	return r
}

// HasFailureCode asserts error.code of a failure body.
func (r *ResponseAssertions) HasFailureCode(code string) *ResponseAssertions {
	r.t.Helper()
	var f struct {
		Error failureBody `json:"error"`
	}
	if err := json.Unmarshal([]byte(r.resp.Body), &f); err != nil {
		r.errorf("body is not a failure exchange: %q", r.resp.Body)
		return r
	}
	if f.Error.Code != code {
		r.errorf("expected failure code %q, got %q", code, f.Error.Code)
	}
	return r
}

// Quick assertion functions for common patterns

// RequireNoError fails the test immediately if err is not nil.
func RequireNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// RequireEqual fails the test immediately if values are not equal.
func RequireEqual(t *testing.T, expected, actual any, msg string) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// FormatRequests formats captured requests for error messages.
func FormatRequests(reqs []dispatch.Request) string {
	if len(reqs) == 0 {
		return "(none)"
	}
	names := make([]string, len(reqs))
	for i, r := range reqs {
		names[i] = r.Descriptor.Path()
	}
	return fmt.Sprintf("[%s]", strings.Join(names, ", "))
}
