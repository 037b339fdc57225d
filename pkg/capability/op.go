// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/fe1fan/raven/pkg/errors"
	"github.com/invopop/jsonschema"
)

// Operation pairs a hosted descriptor with the provider-side handler that
// serves it.
type Operation struct {
	Descriptor Descriptor
	Handler    OpHandler
}

// OpOption customizes an operation built with Op.
type OpOption func(*Descriptor)

// WithDescription sets the member description.
func WithDescription(s string) OpOption {
	return func(d *Descriptor) { d.Description = s }
}

// WithIdempotent marks the member safe to retry.
func WithIdempotent() OpOption {
	return func(d *Descriptor) { d.Idempotent = true }
}

// WithTimeout sets the per-call deadline.
func WithTimeout(t time.Duration) OpOption {
	return func(d *Descriptor) { d.Timeout = t }
}

// WithArgs overrides the positional argument order derived from I.
func WithArgs(args ...string) OpOption {
	return func(d *Descriptor) { d.Args = args }
}

var (
	structReflector = &jsonschema.Reflector{Anonymous: true, DoNotReference: true, ExpandedStruct: true}
	valueReflector  = &jsonschema.Reflector{Anonymous: true, DoNotReference: true}
)

// reflectSchema inlines the fields of named structs at the top level.
// ExpandedStruct looks the type up in the definitions by name, so anything
// else (any, slices, scalars, anonymous structs) is reflected as a value.
func reflectSchema(t reflect.Type) *jsonschema.Schema {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r := valueReflector
	if t.Kind() == reflect.Struct && t.Name() != "" {
		r = structReflector
	}
	s := r.ReflectFromType(t)
	s.Version = ""
	return s
}

// Op builds a hosted operation from typed input and output. The parameter
// and result schemas are generated from I and O, positional arguments
// follow the field order of I, and params are decoded into I before fn runs.
func Op[I, O any](namespace, member string, fn func(context.Context, I) (O, error), opts ...OpOption) Operation {
	in := reflectSchema(reflect.TypeOf((*I)(nil)).Elem())
	out := reflectSchema(reflect.TypeOf((*O)(nil)).Elem())

	d := Descriptor{
		Namespace: namespace,
		Member:    member,
		Kind:      KindHosted,
	}
	if in.Properties != nil {
		for pair := in.Properties.Oldest(); pair != nil; pair = pair.Next() {
			d.Args = append(d.Args, pair.Key)
		}
	}
	// Marshal of a reflected schema only fails on unsupported extras.
	d.Params, _ = json.Marshal(in)
	d.Result, _ = json.Marshal(out)
	for _, opt := range opts {
		opt(&d)
	}

	handler := func(ctx context.Context, params map[string]any) (any, error) {
		var input I
		raw, err := json.Marshal(params)
		if err == nil {
			err = json.Unmarshal(raw, &input)
		}
		if err != nil {
			return nil, errors.New(errors.CodeInvalidParams,
				fmt.Sprintf("%s.%s: decode parameters", namespace, member), err)
		}
		result, err := fn(ctx, input)
		if err != nil {
			return nil, err
		}
		return toJSONValue(result)
	}
	return Operation{Descriptor: d, Handler: handler}
}

// toJSONValue converts a typed result into the map/slice form scripts see.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "encode result", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.New(errors.CodeInternal, "decode result", err)
	}
	return out, nil
}

// RegisterOps registers the descriptors of ops and returns their handlers
// keyed by member.
func (r *Registry) RegisterOps(ops ...Operation) (map[string]OpHandler, error) {
	handlers := make(map[string]OpHandler, len(ops))
	for _, op := range ops {
		if err := r.Register(op.Descriptor); err != nil {
			return nil, err
		}
		handlers[op.Descriptor.Member] = op.Handler
	}
	return handlers, nil
}
