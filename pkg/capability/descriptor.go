// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/fe1fan/raven/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind tells the dispatch bridge whether a member runs locally or crosses
// the trust boundary.
type Kind string

const (
	// KindPure members execute synchronously on the calling goroutine.
	KindPure Kind = "pure"
	// KindHosted members are forwarded to the provider bound to the namespace.
	KindHosted Kind = "hosted"
)

// PureFunc is the local implementation of a pure member. Params have
// already been validated against the descriptor schema.
type PureFunc func(params map[string]any) (any, error)

// OpHandler executes a hosted member on the provider side.
type OpHandler func(ctx context.Context, params map[string]any) (any, error)

// Descriptor is the immutable declaration of one callable member.
type Descriptor struct {
	Namespace   string          `json:"namespace" yaml:"namespace"`
	Member      string          `json:"member" yaml:"member"`
	Kind        Kind            `json:"kind" yaml:"kind"`
	Args        []string        `json:"args,omitempty" yaml:"args"`
	Params      json.RawMessage `json:"params,omitempty" yaml:"-"`
	Result      json.RawMessage `json:"result,omitempty" yaml:"-"`
	Timeout     time.Duration   `json:"timeout,omitempty" yaml:"timeout"`
	Idempotent  bool            `json:"idempotent,omitempty" yaml:"idempotent"`
	Description string          `json:"description,omitempty" yaml:"description"`

	// Pure is required for KindPure and ignored otherwise.
	Pure PureFunc `json:"-" yaml:"-"`

	schema *jsonschema.Schema
	known  map[string]struct{}
}

// Path returns the fully qualified "namespace.member" name.
func (d *Descriptor) Path() string {
	return d.Namespace + "." + d.Member
}

// ExportedName returns the identifier a script uses for the member.
func (d *Descriptor) ExportedName() string {
	return ExportedName(d.Member)
}

// ExportedName upper-cases the first rune of a member name.
func ExportedName(member string) string {
	r, size := utf8.DecodeRuneInString(member)
	if r == utf8.RuneError {
		return member
	}
	return string(unicode.ToUpper(r)) + member[size:]
}

// Params passes arguments by name. Scripts see it as raven.Params:
//
//	utils.Hash(raven.Params{"s": body, "algorithm": "blake2b"})
//
// Any other map, map[string]any included, is an ordinary positional value.
type Params map[string]any

// BindArgs maps a script call's arguments onto named parameters. A single
// Params argument is taken as named parameters; otherwise arguments bind
// positionally to Args. Trailing nil arguments are treated as omitted.
func (d *Descriptor) BindArgs(args []any) (map[string]any, error) {
	if len(args) == 1 {
		if named, ok := args[0].(Params); ok {
			return d.namedParams(named)
		}
	}
	if len(args) > len(d.Args) {
		return nil, errors.New(errors.CodeInvalidParams,
			fmt.Sprintf("%s accepts at most %d arguments, got %d", d.Path(), len(d.Args), len(args)), nil).
			WithContext("capability", d.Path())
	}
	params := make(map[string]any, len(args))
	for i, arg := range args {
		if arg == nil {
			continue
		}
		params[d.Args[i]] = arg
	}
	return params, nil
}

func (d *Descriptor) namedParams(named Params) (map[string]any, error) {
	out := make(map[string]any, len(named))
	for k, v := range named {
		if _, declared := d.known[k]; !declared {
			return nil, errors.New(errors.CodeInvalidParams,
				fmt.Sprintf("%s has no parameter %q", d.Path(), k), nil).
				WithContext("capability", d.Path()).
				WithContext("field", k)
		}
		out[k] = v
	}
	return out, nil
}

// Validate normalizes params to their JSON representation and checks them
// against the parameter schema. Top-level strings keep their original bytes
// in the returned params, so invalid UTF-8 reaches the member unchanged.
func (d *Descriptor) Validate(params map[string]any) (map[string]any, error) {
	if d.schema == nil {
		return nil, errors.New(errors.CodeInvalidDescriptor,
			fmt.Sprintf("%s is not registered", d.Path()), nil).
			WithContext("capability", d.Path())
	}
	normalized, err := normalize(params)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidParams,
			fmt.Sprintf("%s: parameters are not representable as JSON", d.Path()), err).
			WithContext("capability", d.Path())
	}
	if err := d.schema.Validate(map[string]any(normalized)); err != nil {
		return nil, validationError(d, err)
	}
	for k, v := range params {
		if s, ok := v.(string); ok {
			normalized[k] = s
		}
	}
	return normalized, nil
}

// Describe returns a copy of the descriptor without its runtime state,
// suitable for listing.
func (d *Descriptor) Describe() Descriptor {
	return Descriptor{
		Namespace:   d.Namespace,
		Member:      d.Member,
		Kind:        d.Kind,
		Args:        append([]string(nil), d.Args...),
		Params:      d.Params,
		Result:      d.Result,
		Timeout:     d.Timeout,
		Idempotent:  d.Idempotent,
		Description: d.Description,
	}
}

func (d *Descriptor) check() error {
	if d.Namespace == "" || d.Member == "" {
		return errors.New(errors.CodeInvalidDescriptor, "descriptor needs a namespace and a member", nil)
	}
	if err := ValidateNamespace(d.Namespace); err != nil {
		return err
	}
	if !isIdentifier(d.ExportedName()) {
		return errors.New(errors.CodeInvalidDescriptor,
			fmt.Sprintf("member %q is not a valid identifier", d.Member), nil).
			WithContext("capability", d.Path())
	}
	switch d.Kind {
	case KindPure:
		if d.Pure == nil {
			return errors.New(errors.CodeInvalidDescriptor,
				fmt.Sprintf("pure member %s has no implementation", d.Path()), nil)
		}
	case KindHosted:
	default:
		return errors.New(errors.CodeInvalidDescriptor,
			fmt.Sprintf("member %s has unknown kind %q", d.Path(), d.Kind), nil)
	}
	if d.Timeout < 0 {
		return errors.New(errors.CodeInvalidDescriptor,
			fmt.Sprintf("member %s has a negative timeout", d.Path()), nil)
	}
	seen := make(map[string]struct{}, len(d.Args))
	for _, a := range d.Args {
		if _, dup := seen[a]; dup || strings.TrimSpace(a) == "" {
			return errors.New(errors.CodeInvalidDescriptor,
				fmt.Sprintf("member %s declares argument %q twice or empty", d.Path(), a), nil)
		}
		seen[a] = struct{}{}
	}
	return nil
}
