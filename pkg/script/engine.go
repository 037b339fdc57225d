// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package script

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/fe1fan/raven/pkg/errors"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// HandlerName is the entry point every script defines.
const HandlerName = "Fetch"

// DefaultAllowedPackages are the standard-library packages scripts may
// import. Anything touching the host (os, net, syscall, unsafe, reflect)
// is absent.
var DefaultAllowedPackages = []string{
	"bytes",
	"encoding/base64",
	"encoding/hex",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"net/url",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// Program is a script ready for evaluation.
type Program struct {
	Name    string
	Package string
	Source  string
}

// Engine evaluates scripts with the yaegi interpreter. Each Run uses a
// fresh interpreter, so executions never share script-local state.
type Engine struct {
	allowed map[string]string // import path -> package name
	symbols interp.Exports
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithAllowedPackages replaces the standard-library allow list.
func WithAllowedPackages(paths ...string) Option {
	return func(e *Engine) {
		e.allowed = make(map[string]string, len(paths))
		for _, p := range paths {
			e.allowed[p] = ""
		}
	}
}

// WithLogger sets the logger receiving script output.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default()}
	WithAllowedPackages(DefaultAllowedPackages...)(e)
	for _, opt := range opts {
		opt(e)
	}

	e.symbols = make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		importPath, name := path.Dir(key), path.Base(key)
		if _, ok := e.allowed[importPath]; ok {
			e.symbols[key] = syms
			e.allowed[importPath] = name
		}
	}
	// Drop entries yaegi has no symbols for.
	for p, name := range e.allowed {
		if name == "" {
			delete(e.allowed, p)
		}
	}
	return e
}

// Allowed reports whether a script may import the standard-library path.
func (e *Engine) Allowed(importPath string) bool {
	_, ok := e.allowed[importPath]
	return ok
}

// PackageName returns the identifier an allowed import introduces.
func (e *Engine) PackageName(importPath string) string {
	return e.allowed[importPath]
}

// AllowedPackages returns the allow list, sorted.
func (e *Engine) AllowedPackages() []string {
	out := make([]string, 0, len(e.allowed))
	for p := range e.allowed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type handlerFunc func(*Request) (*Response, error)

// Run evaluates prog with bindings installed as importable packages and
// invokes its handler once. The returned error is a RavenError.
func (e *Engine) Run(ctx context.Context, prog Program, bindings interp.Exports, req *Request) (*Response, error) {
	out := &outputBuffer{}
	i := interp.New(interp.Options{Stdout: out, Stderr: out})
	defer e.flush(ctx, prog.Name, out)

	for _, exports := range []interp.Exports{e.symbols, Surface(), bindings} {
		if err := i.Use(exports); err != nil {
			return nil, errors.New(errors.CodeInternal, "install script symbols", err)
		}
	}

	if _, err := i.EvalWithContext(ctx, prog.Source); err != nil {
		if ctxErr := contextError(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.New(errors.CodeExecution, "script does not compile", err).
			WithContext("script", prog.Name).
			WithContext("phase", "compile")
	}

	pkg := prog.Package
	if pkg == "" {
		pkg = "main"
	}
	v, err := i.Eval(pkg + "." + HandlerName)
	if err != nil {
		return nil, errors.New(errors.CodeExecution,
			fmt.Sprintf("script defines no %s handler", HandlerName), err).
			WithContext("script", prog.Name)
	}
	h, err := adaptHandler(v.Interface())
	if err != nil {
		return nil, errors.AsRavenError(err).WithContext("script", prog.Name)
	}

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("script.panic",
					slog.String("script", prog.Name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- result{err: errors.New(errors.CodeExecution,
					fmt.Sprintf("script panicked: %v", r), nil).WithContext("script", prog.Name)}
			}
		}()
		resp, err := h(req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, handlerError(prog.Name, r.err)
		}
		if r.resp == nil {
			return nil, errors.New(errors.CodeExecution, "handler returned no response", nil).
				WithContext("script", prog.Name)
		}
		return r.resp, nil
	case <-ctx.Done():
		// The interpreter cannot be preempted; the handler goroutine ends
		// when the script returns.
		return nil, contextError(ctx)
	}
}

// outputBuffer collects script output. A handler abandoned at the
// deadline may still be writing while the output is flushed.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *outputBuffer) drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := bytes.Clone(b.buf.Bytes())
	b.buf.Reset()
	return out
}

func (e *Engine) flush(ctx context.Context, name string, out *outputBuffer) {
	raw := out.drain()
	if len(raw) == 0 {
		return
	}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		e.logger.DebugContext(ctx, "script.output",
			slog.String("script", name),
			slog.String("line", sc.Text()),
		)
	}
}

func adaptHandler(v any) (handlerFunc, error) {
	switch fn := v.(type) {
	case func(*Request) *Response:
		return func(r *Request) (*Response, error) { return fn(r), nil }, nil
	case func(*Request) (*Response, error):
		return fn, nil
	case func(*Request, Env) *Response:
		return func(r *Request) (*Response, error) { return fn(r, Env{}), nil }, nil
	case func(*Request, Env) (*Response, error):
		return func(r *Request) (*Response, error) { return fn(r, Env{}) }, nil
	default:
		return nil, errors.New(errors.CodeExecution,
			fmt.Sprintf("%s has unsupported signature %T", HandlerName, v), nil)
	}
}

// handlerError turns an error returned by the handler into an execution
// error. Codes of dispatch and validation failures are kept so the failure
// exchange reflects them.
func handlerError(name string, err error) error {
	exec := errors.New(errors.CodeExecution, "handler returned an error", err).
		WithContext("script", name)
	var re *errors.RavenError
	if stderrors.As(err, &re) {
		switch errors.FamilyOf(re.Code) {
		case errors.FamilyDispatch, errors.FamilyValidation:
			exec.WithContext("dispatch_code", string(re.Code))
			exec.StatusCode = re.StatusCode
		}
	}
	return exec
}

func contextError(ctx context.Context) error {
	switch {
	case ctx.Err() == nil:
		return nil
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.New(errors.CodeTimeout, "script exceeded the request deadline", ctx.Err())
	default:
		return errors.New(errors.CodeCancelled, "script cancelled", context.Cause(ctx))
	}
}
