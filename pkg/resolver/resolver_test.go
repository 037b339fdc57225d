// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"testing"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/compute"
	"github.com/fe1fan/raven/pkg/config"
	"github.com/fe1fan/raven/pkg/dispatch"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fe1fan/raven/pkg/governance"
	"github.com/fe1fan/raven/pkg/kv"
	"github.com/fe1fan/raven/pkg/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	r := capability.NewRegistry()
	require.NoError(t, compute.Register(r))
	require.NoError(t, kv.Register(r))
	require.NoError(t, r.RegisterAll(
		// Same identifier as raven/kv.
		capability.Descriptor{Namespace: "raven/cache/kv", Member: "get", Kind: capability.KindHosted, Args: []string{"key"}},
		// Same identifier as the strings package.
		capability.Descriptor{Namespace: "raven/text/strings", Member: "split", Kind: capability.KindHosted},
		// Same identifier as the runtime surface.
		capability.Descriptor{Namespace: "raven/core/raven", Member: "version", Kind: capability.KindHosted},
	))
	r.Seal()
	return r
}

func newResolver(t *testing.T, opts ...Option) *Resolver {
	t.Helper()
	return New(testRegistry(t), script.NewEngine(), opts...)
}

const header = "package main\n\n"

func TestResolveImports(t *testing.T) {
	res := newResolver(t)
	src := header + `import (
	"raven"
	"raven/kv"
	"raven/utils"
	str "strings"
)

func Fetch(req *raven.Request) *raven.Response {
	_ = str.ToUpper(req.Path)
	return raven.NewResponse(200, "")
}
`
	plan, err := res.Resolve(context.Background(), "ok.go", src)
	require.NoError(t, err)
	assert.Equal(t, []string{"kv", "raven", "str", "utils"}, plan.Identifiers())
	require.Len(t, plan.Namespaces, 2)
	assert.Equal(t, "raven/kv", plan.Namespaces[0].Path)
	assert.Equal(t, "raven/utils", plan.Namespaces[1].Path)
	assert.Equal(t, "main", plan.Program.Package)
}

func TestResolveFailures(t *testing.T) {
	tests := []struct {
		name    string
		imports string
		code    errors.ErrorCode
		reason  string
	}{
		{"unknown namespace", `"raven/nope"`, errors.CodeUnresolvedImport, "no such capability namespace"},
		{"host package", `"os"`, errors.CodeUnresolvedImport, "import not permitted"},
		{"unknown package", `"github.com/x/y"`, errors.CodeUnresolvedImport, "import not permitted"},
		{"aliased capability", `store "raven/kv"`, errors.CodeUnresolvedImport, "aliased capability import"},
		{"aliased surface", `r "raven"`, errors.CodeUnresolvedImport, "aliased capability import"},
		{"dot import", `. "strings"`, errors.CodeForbiddenConstruct, ""},
		{"namespace collision", "\"raven/kv\"\n\t\"raven/cache/kv\"", errors.CodeBindingCollision, ""},
		{"stdlib collision", "\"strings\"\n\t\"raven/text/strings\"", errors.CodeBindingCollision, ""},
		{"alias collision", "kv \"strings\"\n\t\"raven/kv\"", errors.CodeBindingCollision, ""},
		{"reserved surface identifier", `"raven/core/raven"`, errors.CodeBindingCollision, ""},
	}
	res := newResolver(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := header + "import (\n\t" + tc.imports + "\n)\n\nfunc Fetch() {}\n"
			plan, err := res.Resolve(context.Background(), "bad.go", src)
			require.Error(t, err)
			assert.Nil(t, plan)
			re := errors.AsRavenError(err)
			assert.Equal(t, tc.code, re.Code, re.Error())
			assert.Equal(t, errors.FamilyResolution, errors.FamilyOf(re.Code))
			if tc.reason != "" {
				assert.Equal(t, tc.reason, re.Context["reason"])
			}
		})
	}
}

func TestCollisionReportsBothImports(t *testing.T) {
	res := newResolver(t)
	src := header + "import (\n\t\"raven/kv\"\n\t\"raven/cache/kv\"\n)\n"
	_, err := res.Resolve(context.Background(), "c.go", src)
	re := errors.AsRavenError(err)
	require.Equal(t, errors.CodeBindingCollision, re.Code)
	assert.Equal(t, "kv", re.Context["identifier"])
	assert.Equal(t, []string{"raven/kv", "raven/cache/kv"}, re.Context["imports"])
}

func TestFrozenBindings(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"assign", "func f() { kv = nil }"},
		{"define", "func f() { kv := 1; _ = kv }"},
		{"member assign", "func f() { kv.Get = nil }"},
		{"var decl", "var utils = 3"},
		{"const decl", "const kv = 1"},
		{"type decl", "type utils struct{}"},
		{"func decl", "func kv() {}"},
		{"param", "func f(kv int) {}"},
		{"result", "func f() (utils int) { return 0 }"},
		{"receiver", "type T struct{}\nfunc (kv T) m() {}"},
		{"closure param", "var f = func(kv string) {}"},
		{"range", "func f() { for kv := range []int{} { _ = kv } }"},
		{"label", "func f() {\nkv:\n\tfor {}\n}"},
		{"type switch", "func f(x any) { switch kv := x.(type) { default: _ = kv } }"},
		{"surface", "func f() { raven := 1; _ = raven }"},
		{"stdlib package", "func f() { strings := 1; _ = strings }"},
	}
	res := newResolver(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := header + "import (\n\t\"raven\"\n\t\"raven/kv\"\n\t\"raven/utils\"\n\t\"strings\"\n)\n\n" +
				"var _ = raven.NewResponse\nvar _ = kv.Get\nvar _ = utils.Sum\nvar _ = strings.ToUpper\n\n" + tc.body + "\n"
			_, err := res.Resolve(context.Background(), "frozen.go", src)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeBindingReassigned), "got %v", err)
			assert.NotNil(t, errors.AsRavenError(err).Context["line"])
		})
	}
}

func TestShadowingUnimportedNamesIsAllowed(t *testing.T) {
	res := newResolver(t)
	src := header + `import "raven/utils"

func Fetch() {
	kv := 1
	_ = kv
	_, _ = utils.Reverse("x")
}
`
	_, err := res.Resolve(context.Background(), "ok.go", src)
	require.NoError(t, err)
}

func TestGoStatementForbidden(t *testing.T) {
	res := newResolver(t)
	src := header + "func Fetch() { go func() {}() }\n"
	_, err := res.Resolve(context.Background(), "go.go", src)
	assert.True(t, errors.IsCode(err, errors.CodeForbiddenConstruct), "got %v", err)
}

func TestParseError(t *testing.T) {
	res := newResolver(t)
	_, err := res.Resolve(context.Background(), "broken.go", "package main\nfunc {")
	re := errors.AsRavenError(err)
	assert.Equal(t, errors.CodeExecution, re.Code)
	assert.Equal(t, "parse", re.Context["phase"])
}

func TestImportDenied(t *testing.T) {
	auth, err := governance.FromConfig(config.GovernanceConfig{Deny: []string{"raven/kv"}}, nil)
	require.NoError(t, err)
	res := newResolver(t, WithAuthorizer(auth))

	_, err = res.Resolve(context.Background(), "denied.go", header+"import \"raven/kv\"\n")
	assert.True(t, errors.IsCode(err, errors.CodeImportDenied), "got %v", err)

	_, err = res.Resolve(context.Background(), "ok.go", header+"import \"raven/utils\"\n")
	assert.NoError(t, err)
}

func TestInjectedBindingsRunThroughBridge(t *testing.T) {
	registry := testRegistry(t)
	store := kv.NewMemoryStore()
	bridge := dispatch.New(registry)
	require.NoError(t, bridge.RegisterProvider(kv.Namespace, kv.NewProvider(store)))
	defer func() { require.NoError(t, bridge.Close(context.Background())) }()

	engine := script.NewEngine()
	res := New(registry, engine)
	src := header + `import (
	"fmt"
	"raven"
	"raven/kv"
	"raven/utils"
)

func Fetch(req *raven.Request) (*raven.Response, error) {
	if _, err := kv.Put("counter", "42").Await(); err != nil {
		return nil, err
	}
	v, err := kv.Get("counter").Await()
	if err != nil {
		return nil, err
	}
	sum, err := utils.Sum([]any{1, 2, 3, 4, 5})
	if err != nil {
		return nil, err
	}
	return raven.NewResponse(200, fmt.Sprintf("%v %v", v, sum)), nil
}
`
	ctx := context.Background()
	plan, err := res.Resolve(ctx, "counter.go", src)
	require.NoError(t, err)

	scope := bridge.NewScope(ctx)
	defer scope.Close()
	exports := Inject(plan, scope)
	require.Contains(t, exports, "raven/kv/kv")
	require.Contains(t, exports, "raven/utils/utils")
	assert.Contains(t, exports["raven/kv/kv"], "Put")
	assert.Contains(t, exports["raven/utils/utils"], "Base64Encode")

	resp, err := engine.Run(ctx, plan.Program, exports, &script.Request{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "42 15", resp.Body)

	v, ok, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", v)
}

func TestNamedArgumentsNeedParams(t *testing.T) {
	registry := testRegistry(t)
	bridge := dispatch.New(registry)
	require.NoError(t, bridge.RegisterProvider(kv.Namespace, kv.NewProvider(kv.NewMemoryStore())))
	defer func() { require.NoError(t, bridge.Close(context.Background())) }()

	engine := script.NewEngine()
	res := New(registry, engine)
	src := header + `import (
	"fmt"
	"raven"
	"raven/kv"
	"raven/utils"
)

func Fetch(req *raven.Request) (*raven.Response, error) {
	if _, err := kv.Put(raven.Params{"value": "v1", "key": "named"}).Await(); err != nil {
		return nil, err
	}
	v, err := kv.Get(raven.Params{"key": "named"}).Await()
	if err != nil {
		return nil, err
	}
	pretty, err := utils.PrettyJson(map[string]any{"value": 1})
	if err != nil {
		return nil, err
	}
	return raven.NewResponse(200, fmt.Sprintf("%v|%v", v, pretty)), nil
}
`
	ctx := context.Background()
	plan, err := res.Resolve(ctx, "named.go", src)
	require.NoError(t, err)

	scope := bridge.NewScope(ctx)
	defer scope.Close()
	resp, err := engine.Run(ctx, plan.Program, Inject(plan, scope), &script.Request{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "v1|{\n  \"value\": 1\n}", resp.Body)
}
