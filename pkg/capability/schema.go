// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/fe1fan/raven/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compileSchema compiles the parameter schema once at registration. A
// descriptor without a schema gets an object schema that only admits its
// declared arguments.
func compileSchema(d *Descriptor) error {
	if len(d.Params) == 0 {
		props := make(map[string]any, len(d.Args))
		for _, a := range d.Args {
			props[a] = map[string]any{}
		}
		raw, err := json.Marshal(map[string]any{
			"type":                 "object",
			"properties":           props,
			"additionalProperties": false,
		})
		if err != nil {
			return errors.New(errors.CodeInvalidDescriptor, "build default schema", err)
		}
		d.Params = raw
	}

	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(d.Params, &doc); err != nil {
		return errors.New(errors.CodeInvalidDescriptor,
			fmt.Sprintf("parameter schema of %s is not JSON", d.Path()), err)
	}
	d.known = make(map[string]struct{}, len(doc.Properties)+len(d.Args))
	for name := range doc.Properties {
		d.known[name] = struct{}{}
	}
	for _, a := range d.Args {
		d.known[a] = struct{}{}
	}

	url := "raven:///" + d.Namespace + "/" + d.Member + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(d.Params)); err != nil {
		return errors.New(errors.CodeInvalidDescriptor,
			fmt.Sprintf("parameter schema of %s", d.Path()), err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return errors.New(errors.CodeInvalidDescriptor,
			fmt.Sprintf("parameter schema of %s does not compile", d.Path()), err)
	}
	d.schema = sch
	return nil
}

// normalize converts Go values produced by scripts (ints, typed slices,
// structs) into their JSON form so schemas and providers see one shape.
func normalize(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// validationError reports the deepest failing location and the expected
// type when the failing keyword is "type".
func validationError(d *Descriptor, err error) error {
	var ve *jsonschema.ValidationError
	if !stderrors.As(err, &ve) {
		return errors.New(errors.CodeInvalidParams, fmt.Sprintf("%s: invalid parameters", d.Path()), err).
			WithContext("capability", d.Path())
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if field == "" {
		field = "(root)"
	}
	re := errors.New(errors.CodeInvalidParams,
		fmt.Sprintf("%s: %s: %s", d.Path(), field, leaf.Message), nil).
		WithContext("capability", d.Path()).
		WithContext("field", field)
	if strings.HasSuffix(leaf.KeywordLocation, "/type") {
		if expected, ok := expectedType(leaf.Message); ok {
			re = re.WithContext("expected", expected)
		}
	}
	return re
}

// expectedType extracts "number" from "expected number, but got string".
func expectedType(msg string) (string, bool) {
	rest, ok := strings.CutPrefix(msg, "expected ")
	if !ok {
		return "", false
	}
	if i := strings.Index(rest, ","); i > 0 {
		return rest[:i], true
	}
	return rest, true
}
