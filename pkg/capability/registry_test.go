// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/fe1fan/raven/pkg/errors"
)

func hosted(ns, member string, args ...string) Descriptor {
	return Descriptor{Namespace: ns, Member: member, Kind: KindHosted, Args: args}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(hosted("raven/kv", "get", "key")); err != nil {
		t.Fatalf("register: %v", err)
	}

	d, err := r.Lookup("raven/kv", "get")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if d.Path() != "raven/kv.get" || d.ExportedName() != "Get" {
		t.Errorf("unexpected descriptor %s / %s", d.Path(), d.ExportedName())
	}

	set, err := r.Namespace("raven/kv")
	if err != nil {
		t.Fatalf("namespace: %v", err)
	}
	if set.Identifier != "kv" || !set.Hosted() {
		t.Errorf("unexpected namespace set %+v", set.Namespace)
	}
}

func TestRegisterErrors(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		code errors.ErrorCode
	}{
		{"unknown kind", Descriptor{Namespace: "raven/x", Member: "a", Kind: "remote"}, errors.CodeInvalidDescriptor},
		{"pure without func", Descriptor{Namespace: "raven/x", Member: "a", Kind: KindPure}, errors.CodeInvalidDescriptor},
		{"bad path", hosted("kv", "get"), errors.CodeInvalidDescriptor},
		{"bad segment", hosted("raven/Bad_Name", "get"), errors.CodeInvalidDescriptor},
		{"bad member", hosted("raven/x", "9lives"), errors.CodeInvalidDescriptor},
		{"duplicate arg", hosted("raven/x", "a", "k", "k"), errors.CodeInvalidDescriptor},
		{"schema not json", Descriptor{Namespace: "raven/x", Member: "a", Kind: KindHosted, Params: json.RawMessage(`{`)}, errors.CodeInvalidDescriptor},
		{"schema does not compile", Descriptor{Namespace: "raven/x", Member: "a", Kind: KindHosted, Params: json.RawMessage(`{"type": 12}`)}, errors.CodeInvalidDescriptor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.d)
			if !errors.IsCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestDuplicateDescriptor(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(hosted("raven/kv", "put", "key", "value")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(hosted("raven/kv", "put", "key"))
	if !errors.IsCode(err, errors.CodeDuplicateDescriptor) {
		t.Fatalf("expected DUPLICATE_DESCRIPTOR, got %v", err)
	}
	// Exported names must be unique too.
	err = r.Register(hosted("raven/kv", "Put"))
	if !errors.IsCode(err, errors.CodeDuplicateDescriptor) {
		t.Fatalf("expected DUPLICATE_DESCRIPTOR for exported name clash, got %v", err)
	}
}

func TestUnknownCapability(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(hosted("raven/kv", "get", "key"))

	if _, err := r.Lookup("raven/kv", "scan"); !errors.IsCode(err, errors.CodeUnknownCapability) {
		t.Errorf("expected UNKNOWN_CAPABILITY for member, got %v", err)
	}
	if _, err := r.Namespace("raven/db"); !errors.IsCode(err, errors.CodeUnknownCapability) {
		t.Errorf("expected UNKNOWN_CAPABILITY for namespace, got %v", err)
	}

	// A namespace with metadata but no members is not resolvable.
	_ = r.RegisterNamespace(Namespace{Path: "raven/empty"})
	if _, err := r.Namespace("raven/empty"); err == nil {
		t.Errorf("expected empty namespace to be unknown")
	}
}

func TestSeal(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(hosted("raven/kv", "get", "key"))
	r.Seal()
	r.Seal()

	if !r.Sealed() {
		t.Fatal("expected registry to be sealed")
	}
	if err := r.Register(hosted("raven/kv", "put")); !errors.IsCode(err, errors.CodeRegistrySealed) {
		t.Errorf("expected REGISTRY_SEALED, got %v", err)
	}
	if err := r.RegisterNamespace(Namespace{Path: "raven/other"}); !errors.IsCode(err, errors.CodeRegistrySealed) {
		t.Errorf("expected REGISTRY_SEALED for namespace, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Lookup("raven/kv", "get"); err != nil {
				t.Errorf("concurrent lookup: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestDefaultIdentifier(t *testing.T) {
	tests := map[string]string{
		"raven/kv":                "kv",
		"raven/identity/users":    "users",
		"raven/api-gateway":       "apigateway",
		"raven/disaster-recovery": "disasterrecovery",
	}
	for path, want := range tests {
		if got := DefaultIdentifier(path); got != want {
			t.Errorf("%s: expected %s, got %s", path, want, got)
		}
	}
}

func TestExportedName(t *testing.T) {
	if got := ExportedName("base64Encode"); got != "Base64Encode" {
		t.Errorf("expected Base64Encode, got %s", got)
	}
	if got := ExportedName("élan"); got != "Élan" {
		t.Errorf("expected rune-wise upper-casing, got %s", got)
	}
}

func TestBindArgs(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(hosted("raven/kv", "put", "key", "value", "ttl"))
	d, _ := r.Lookup("raven/kv", "put")

	params, err := d.BindArgs([]any{"counter", "42"})
	if err != nil {
		t.Fatalf("positional: %v", err)
	}
	if params["key"] != "counter" || params["value"] != "42" {
		t.Errorf("unexpected positional params %v", params)
	}
	if _, ok := params["ttl"]; ok {
		t.Errorf("missing argument should be omitted")
	}

	params, err = d.BindArgs([]any{Params{"key": "k", "value": 1}})
	if err != nil {
		t.Fatalf("named: %v", err)
	}
	if params["key"] != "k" || params["value"] != 1 {
		t.Errorf("unexpected named params %v", params)
	}

	_, err = d.BindArgs([]any{Params{"key": "k", "expires": 10}})
	re := errors.AsRavenError(err)
	if re == nil || re.Code != errors.CodeInvalidParams {
		t.Fatalf("expected INVALID_PARAMS for an undeclared name, got %v", err)
	}
	if re.Context["field"] != "expires" {
		t.Errorf("expected field expires, got %v", re.Context["field"])
	}

	if _, err := d.BindArgs([]any{"a", "b", 1, "extra"}); !errors.IsCode(err, errors.CodeInvalidParams) {
		t.Errorf("expected INVALID_PARAMS for too many args, got %v", err)
	}
}

func TestBindArgsSingleMapValue(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(hosted("raven/fmt", "pretty", "value"))
	d, _ := r.Lookup("raven/fmt", "pretty")

	value := map[string]any{"name": "raven"}
	params, err := d.BindArgs([]any{value})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, ok := params["value"].(map[string]any); !ok {
		t.Errorf("a map with undeclared keys should bind positionally, got %v", params)
	}
}

func TestBindArgsMapNamingDeclaredArgs(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(hosted("raven/kv", "put", "key", "value"))
	d, _ := r.Lookup("raven/kv", "put")

	// A map value whose keys match the declared names is still data.
	value := map[string]any{"key": "inner", "value": 2}
	params, err := d.BindArgs([]any{value})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	got, ok := params["key"].(map[string]any)
	if !ok || got["key"] != "inner" {
		t.Errorf("expected the map bound to key, got %v", params)
	}
	if _, ok := params["value"]; ok {
		t.Errorf("value should be unbound, got %v", params["value"])
	}
}

func TestValidateReportsFieldAndType(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Descriptor{
		Namespace: "raven/utils",
		Member:    "sum",
		Kind:      KindHosted,
		Args:      []string{"numbers"},
		Params: json.RawMessage(`{
			"type": "object",
			"required": ["numbers"],
			"properties": {"numbers": {"type": "array", "items": {"type": "number"}}}
		}`),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	d, _ := r.Lookup("raven/utils", "sum")

	normalized, err := d.Validate(map[string]any{"numbers": []int{1, 2, 3}})
	if err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	if _, ok := normalized["numbers"].([]any); !ok {
		t.Errorf("expected normalized JSON slice, got %T", normalized["numbers"])
	}

	_, err = d.Validate(map[string]any{"numbers": []any{1, "two"}})
	re := errors.AsRavenError(err)
	if re == nil || re.Code != errors.CodeInvalidParams {
		t.Fatalf("expected INVALID_PARAMS, got %v", err)
	}
	if re.Context["field"] != "numbers/1" {
		t.Errorf("expected field numbers/1, got %v", re.Context["field"])
	}
	if re.Context["expected"] != "number" {
		t.Errorf("expected type number, got %v", re.Context["expected"])
	}

	if _, err := d.Validate(map[string]any{}); !errors.IsCode(err, errors.CodeInvalidParams) {
		t.Errorf("expected missing required field to fail, got %v", err)
	}
}

func TestValidateRequiresRegistration(t *testing.T) {
	d := hosted("raven/kv", "get", "key")
	if _, err := d.Validate(map[string]any{"key": "k"}); !errors.IsCode(err, errors.CodeInvalidDescriptor) {
		t.Errorf("expected INVALID_DESCRIPTOR for an unregistered descriptor, got %v", err)
	}
}

func TestValidateKeepsStringBytes(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Descriptor{
		Namespace: "raven/utils",
		Member:    "hash",
		Kind:      KindHosted,
		Args:      []string{"s"},
		Params:    json.RawMessage(`{"type": "object", "properties": {"s": {"type": "string"}}}`),
	})
	d, _ := r.Lookup("raven/utils", "hash")

	params, err := d.Validate(map[string]any{"s": "\xff\xfeok"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if params["s"] != "\xff\xfeok" {
		t.Errorf("expected original bytes, got %q", params["s"])
	}
}

func TestDefaultSchemaRejectsUndeclaredParams(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(hosted("raven/kv", "get", "key"))
	d, _ := r.Lookup("raven/kv", "get")
	if _, err := d.Validate(map[string]any{"nope": 1}); !errors.IsCode(err, errors.CodeInvalidParams) {
		t.Errorf("expected undeclared param to fail, got %v", err)
	}
}

func TestLoadBuiltinCatalog(t *testing.T) {
	r := NewRegistry()
	loaded, err := r.LoadCatalog(BuiltinCatalog(), "*.yaml")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	want := []string{
		"raven/filesystem", "raven/process", "raven/network", "raven/package",
		"raven/container", "raven/monitor", "raven/backup", "raven/security",
		"raven/database", "raven/webserver", "raven/mail", "raven/cluster",
		"raven/automation", "raven/config", "raven/performance", "raven/disaster-recovery",
		"raven/compliance", "raven/cost", "raven/notification", "raven/api-gateway",
		"raven/logging",
	}
	if len(loaded) != len(want) {
		t.Fatalf("expected %d namespaces, got %d: %v", len(want), len(loaded), loaded)
	}
	for _, path := range want {
		set, err := r.Namespace(path)
		if err != nil {
			t.Errorf("namespace %s: %v", path, err)
			continue
		}
		if set.Version == "" {
			t.Errorf("namespace %s has no version", path)
		}
		for _, d := range set.Members() {
			if d.Kind != KindHosted {
				t.Errorf("%s should be hosted", d.Path())
			}
		}
	}

	gw, _ := r.Namespace("raven/api-gateway")
	if gw.Identifier != "gateway" {
		t.Errorf("expected explicit identifier, got %s", gw.Identifier)
	}
	restart, err := r.Lookup("raven/process", "restartService")
	if err != nil || restart.Timeout != 30*time.Second {
		t.Errorf("expected catalog timeout, got %v (%v)", restart, err)
	}
	signal, _ := r.Lookup("raven/process", "signal")
	if _, err := signal.Validate(map[string]any{"pid": 10, "signal": "STOP"}); !errors.IsCode(err, errors.CodeInvalidParams) {
		t.Errorf("expected enum violation, got %v", err)
	}
}

func TestLoadCatalogErrors(t *testing.T) {
	fsys := fstest.MapFS{
		"bad.yaml":  {Data: []byte("namespaces: [")},
		"dup.yaml":  {Data: []byte("namespaces:\n  - path: raven/a\n    members:\n      - member: x\n      - member: x\n")},
		"time.yaml": {Data: []byte("namespaces:\n  - path: raven/b\n    members:\n      - member: x\n        timeout: soon\n")},
	}
	for _, name := range []string{"bad.yaml", "dup.yaml", "time.yaml"} {
		if _, err := NewRegistry().LoadCatalog(fsys, name); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

type addUserInput struct {
	Username string   `json:"username"`
	UID      int      `json:"uid,omitempty"`
	Groups   []string `json:"groups,omitempty"`
}

type addUserOutput struct {
	Username string `json:"username"`
	UID      int    `json:"uid"`
}

func TestOp(t *testing.T) {
	op := Op("raven/identity/users", "add",
		func(_ context.Context, in addUserInput) (addUserOutput, error) {
			return addUserOutput{Username: in.Username, UID: in.UID + 1}, nil
		},
		WithDescription("create a user"),
		WithTimeout(2*time.Second),
	)

	if got := op.Descriptor.Args; len(got) != 3 || got[0] != "username" || got[1] != "uid" || got[2] != "groups" {
		t.Errorf("expected args in field order, got %v", got)
	}

	r := NewRegistry()
	handlers, err := r.RegisterOps(op)
	if err != nil {
		t.Fatalf("register ops: %v", err)
	}
	d, _ := r.Lookup("raven/identity/users", "add")
	if d.Timeout != 2*time.Second || d.Description != "create a user" {
		t.Errorf("options not applied: %+v", d.Describe())
	}
	if _, err := d.Validate(map[string]any{"uid": 1}); !errors.IsCode(err, errors.CodeInvalidParams) {
		t.Errorf("expected required username, got %v", err)
	}

	params, err := d.Validate(map[string]any{"username": "alice", "uid": 1000})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	out, err := handlers["add"](context.Background(), params)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["username"] != "alice" || m["uid"] != float64(1001) {
		t.Errorf("unexpected result %#v", out)
	}
}

func TestOpResultTypes(t *testing.T) {
	ops := []Operation{
		Op("raven/x", "anything", func(context.Context, addUserInput) (any, error) { return nil, nil }),
		Op("raven/x", "names", func(context.Context, addUserInput) ([]string, error) { return nil, nil }),
		Op("raven/x", "exists", func(context.Context, addUserInput) (bool, error) { return false, nil }),
		Op("raven/x", "pointer", func(context.Context, addUserInput) (*addUserOutput, error) { return nil, nil }),
		Op("raven/x", "inline", func(context.Context, addUserInput) (struct {
			OK bool `json:"ok"`
		}, error) {
			return struct {
				OK bool `json:"ok"`
			}{true}, nil
		}),
	}
	r := NewRegistry()
	handlers, err := r.RegisterOps(ops...)
	if err != nil {
		t.Fatalf("register ops: %v", err)
	}

	d, _ := r.Lookup("raven/x", "pointer")
	var schema map[string]any
	if err := json.Unmarshal(d.Result, &schema); err != nil {
		t.Fatalf("result schema: %v", err)
	}
	if props, ok := schema["properties"].(map[string]any); !ok || props["username"] == nil {
		t.Errorf("expected pointer result to expand its struct, got %s", d.Result)
	}

	out, err := handlers["inline"](context.Background(), map[string]any{"username": "a", "uid": 1})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if m, ok := out.(map[string]any); !ok || m["ok"] != true {
		t.Errorf("unexpected result %#v", out)
	}
}
