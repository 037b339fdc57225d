package script

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fe1fan/raven/pkg/errors"
	"github.com/traefik/yaegi/interp"
)

func run(t *testing.T, src string, bindings interp.Exports) (*Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return NewEngine().Run(ctx, Program{Name: t.Name(), Package: "main", Source: src}, bindings,
		&Request{Method: "POST", Path: "/hello", Body: `{"name":"ada"}`, Headers: map[string]string{"X-Id": "7"}})
}

func TestRunHandlerForms(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"plain", `package main
import "raven"
func Fetch(req *raven.Request) *raven.Response { return raven.NewResponse(200, req.Path) }`, "/hello"},
		{"with error", `package main
import "raven"
func Fetch(req *raven.Request) (*raven.Response, error) { return raven.NewResponse(200, req.Header("X-Id")), nil }`, "7"},
		{"legacy env", `package main
import "raven"
func Fetch(req *raven.Request, env raven.Env) *raven.Response { return raven.NewResponse(200, req.Method) }`, "POST"},
		{"json body", `package main
import "raven"
func Fetch(req *raven.Request) (*raven.Response, error) {
	var in struct{ Name string }
	if err := req.JSON(&in); err != nil {
		return nil, err
	}
	return raven.JSONResponse(201, map[string]string{"hello": in.Name}), nil
}`, `{"hello":"ada"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := run(t, tc.src, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Body != tc.want {
				t.Errorf("expected body %q, got %q", tc.want, resp.Body)
			}
		})
	}
}

func TestRunWithBindings(t *testing.T) {
	var seen []any
	bindings := interp.Exports{
		"raven/echo/echo": {
			"Upper": reflect.ValueOf(func(args ...any) (any, error) {
				seen = args
				return strings.ToUpper(args[0].(string)), nil
			}),
		},
	}
	src := `package main
import (
	"raven"
	"raven/echo"
)
func Fetch(req *raven.Request) (*raven.Response, error) {
	v, err := echo.Upper("quiet", 2)
	if err != nil {
		return nil, err
	}
	return raven.NewResponse(200, v.(string)), nil
}`
	resp, err := run(t, src, bindings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Body != "QUIET" {
		t.Errorf("unexpected body %q", resp.Body)
	}
	if len(seen) != 2 {
		t.Errorf("expected 2 args, got %v", seen)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		code  errors.ErrorCode
		check func(t *testing.T, re *errors.RavenError)
	}{
		{"compile error", `package main
func Fetch() *int { return undefined }`, errors.CodeExecution, func(t *testing.T, re *errors.RavenError) {
			if re.Context["phase"] != "compile" {
				t.Errorf("expected compile phase, got %v", re.Context["phase"])
			}
		}},
		{"missing handler", `package main
func Other() {}`, errors.CodeExecution, nil},
		{"bad signature", `package main
func Fetch(n int) int { return n }`, errors.CodeExecution, nil},
		{"panic", `package main
import "raven"
func Fetch(req *raven.Request) *raven.Response { panic("boom") }`, errors.CodeExecution, nil},
		{"nil response", `package main
import "raven"
func Fetch(req *raven.Request) *raven.Response { return nil }`, errors.CodeExecution, nil},
		{"handler error", `package main
import (
	"errors"
	"raven"
)
func Fetch(req *raven.Request) (*raven.Response, error) { return nil, errors.New("nope") }`, errors.CodeExecution, nil},
		{"bad json body", `package main
import "raven"
func Fetch(req *raven.Request) (*raven.Response, error) {
	var n int
	if err := req.JSON(&n); err != nil {
		return nil, err
	}
	return raven.NewResponse(200, ""), nil
}`, errors.CodeExecution, func(t *testing.T, re *errors.RavenError) {
			if re.Context["dispatch_code"] != string(errors.CodeInvalidParams) {
				t.Errorf("expected dispatch code INVALID_PARAMS, got %v", re.Context["dispatch_code"])
			}
			if re.StatusCode != 400 {
				t.Errorf("expected status 400, got %d", re.StatusCode)
			}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run(t, tc.src, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			re := errors.AsRavenError(err)
			if re.Code != tc.code {
				t.Fatalf("expected %s, got %s (%v)", tc.code, re.Code, err)
			}
			if tc.check != nil {
				tc.check(t, re)
			}
		})
	}
}

func TestRunDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	bindings := interp.Exports{
		"raven/block/block": {
			"Wait": reflect.ValueOf(func() { <-release }),
		},
	}
	src := `package main
import (
	"raven"
	"raven/block"
)
func Fetch(req *raven.Request) *raven.Response {
	block.Wait()
	return raven.NewResponse(200, "")
}`
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewEngine().Run(ctx, Program{Name: "slow", Package: "main", Source: src}, bindings, &Request{})
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestAllowedPackages(t *testing.T) {
	e := NewEngine()
	if !e.Allowed("strings") || e.PackageName("encoding/json") != "json" {
		t.Errorf("expected strings and encoding/json to be allowed")
	}
	for _, p := range []string{"os", "net/http", "unsafe", "reflect", "os/exec"} {
		if e.Allowed(p) {
			t.Errorf("%s should not be allowed", p)
		}
	}

	narrow := NewEngine(WithAllowedPackages("strings", "not/a/package"))
	got := narrow.AllowedPackages()
	if len(got) != 1 || got[0] != "strings" {
		t.Errorf("unexpected allow list %v", got)
	}
}

func TestSurfaceHelpers(t *testing.T) {
	if !IsAbsent(nil) || IsAbsent("") {
		t.Error("IsAbsent must only match nil")
	}
	err := errors.New(errors.CodeTimeout, "late", nil)
	if ErrorCode(err) != "TIMEOUT" {
		t.Errorf("unexpected code %q", ErrorCode(err))
	}
	resp := JSONResponse(200, func() {})
	if resp.Status != 500 {
		t.Errorf("unencodable value should yield 500, got %d", resp.Status)
	}
	if _, ok := Surface()["raven/raven"]["Call"]; !ok {
		t.Error("surface should export Call")
	}
}
