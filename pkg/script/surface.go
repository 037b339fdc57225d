// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package script holds the "raven" surface scripts import and the
// interpreter that evaluates them.
package script

import (
	"encoding/json"
	"reflect"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/dispatch"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/traefik/yaegi/interp"
)

// SurfacePath is the import path of the runtime surface.
const SurfacePath = "raven"

// Request is the inbound exchange handed to a script.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// JSON decodes the body into v.
func (r *Request) JSON(v any) error {
	if err := json.Unmarshal([]byte(r.Body), v); err != nil {
		return errors.New(errors.CodeInvalidParams, "request body is not valid JSON", err)
	}
	return nil
}

// Header returns a header value, or "".
func (r *Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[name]
}

// Response is the outbound exchange a script produces.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Env is the legacy second handler parameter. It is always empty and
// carries no bindings.
//
// Deprecated: capabilities are imported by path.
type Env struct{}

// NewResponse builds a plain response.
func NewResponse(status int, body string) *Response {
	return &Response{Status: status, Body: body, Headers: map[string]string{}}
}

// JSONResponse encodes v as the body of a JSON response.
func JSONResponse(status int, v any) *Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return &Response{
			Status:  500,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    `{"error":{"code":"EXECUTION_ERROR","message":"response is not JSON-representable"}}`,
		}
	}
	return &Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    string(raw),
	}
}

// ErrorCode returns the Raven code carried by err, or "".
func ErrorCode(err error) string {
	return string(errors.CodeOf(err))
}

// ProviderCode returns the provider code of a failed hosted call, or "".
func ProviderCode(err error) string {
	return dispatch.ProviderCode(err)
}

// IsAbsent reports whether v is the absent sentinel returned by lookups
// such as kv.Get.
func IsAbsent(v any) bool {
	return v == nil
}

// Surface returns the symbols of the "raven" import.
func Surface() interp.Exports {
	return interp.Exports{
		SurfacePath + "/raven": {
			"Request":      reflect.ValueOf((*Request)(nil)),
			"Response":     reflect.ValueOf((*Response)(nil)),
			"Env":          reflect.ValueOf((*Env)(nil)),
			"Call":         reflect.ValueOf((*dispatch.Call)(nil)),
			"Params":       reflect.ValueOf((*capability.Params)(nil)),
			"NewResponse":  reflect.ValueOf(NewResponse),
			"JSONResponse": reflect.ValueOf(JSONResponse),
			"ErrorCode":    reflect.ValueOf(ErrorCode),
			"ProviderCode": reflect.ValueOf(ProviderCode),
			"IsAbsent":     reflect.ValueOf(IsAbsent),
		},
	}
}
