// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolver turns the imports a script declares into capability
// bindings. Resolution rejects unknown, denied, aliased or colliding
// imports and any attempt to rebind an imported identifier, all before the
// script runs.
package resolver

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"log/slog"
	"sort"
	"strconv"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fe1fan/raven/pkg/script"
)

// Packages is the standard-library policy of the interpreter.
type Packages interface {
	Allowed(importPath string) bool
	PackageName(importPath string) string
}

// ImportAuthorizer decides whether a namespace may be imported.
type ImportAuthorizer interface {
	AuthorizeImport(ctx context.Context, namespace string) error
}

// Import is one resolved import of a script.
type Import struct {
	Path       string
	Identifier string
	Namespace  *capability.NamespaceSet // nil for the surface and stdlib
	Pos        token.Position
}

// Plan is the outcome of a successful resolution.
type Plan struct {
	Program    script.Program
	Imports    []Import
	Namespaces []*capability.NamespaceSet
}

// Identifiers returns the top-level identifiers the imports introduce.
func (p *Plan) Identifiers() []string {
	out := make([]string, 0, len(p.Imports))
	for _, imp := range p.Imports {
		out = append(out, imp.Identifier)
	}
	sort.Strings(out)
	return out
}

// Resolver resolves script imports against a sealed registry.
type Resolver struct {
	registry   *capability.Registry
	packages   Packages
	authorizer ImportAuthorizer
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAuthorizer applies an import policy.
func WithAuthorizer(a ImportAuthorizer) Option {
	return func(r *Resolver) { r.authorizer = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a resolver.
func New(registry *capability.Registry, packages Packages, opts ...Option) *Resolver {
	r := &Resolver{registry: registry, packages: packages, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve parses src and validates its imports and bindings.
func (r *Resolver) Resolve(ctx context.Context, name, src string) (*Plan, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, errors.New(errors.CodeExecution, "script does not parse", err).
			WithContext("script", name).
			WithContext("phase", "parse")
	}

	plan := &Plan{Program: script.Program{Name: name, Package: file.Name.Name, Source: src}}
	owners := make(map[string]Import)

	for _, spec := range file.Imports {
		imp, err := r.resolveImport(ctx, fset, spec)
		if err != nil {
			return nil, errors.AsRavenError(err).WithContext("script", name)
		}
		if imp.Identifier == "_" {
			continue
		}
		if prev, dup := owners[imp.Identifier]; dup {
			return nil, errors.New(errors.CodeBindingCollision,
				fmt.Sprintf("%s and %s both bind %q", prev.Path, imp.Path, imp.Identifier), nil).
				WithContext("script", name).
				WithContext("identifier", imp.Identifier).
				WithContext("imports", []string{prev.Path, imp.Path})
		}
		owners[imp.Identifier] = imp
		plan.Imports = append(plan.Imports, imp)
		if imp.Namespace != nil {
			plan.Namespaces = append(plan.Namespaces, imp.Namespace)
		}
	}

	if err := checkFrozen(fset, file, owners); err != nil {
		return nil, errors.AsRavenError(err).WithContext("script", name)
	}

	r.logger.DebugContext(ctx, "resolver.resolved",
		slog.String("script", name),
		slog.Int("imports", len(plan.Imports)),
		slog.Int("namespaces", len(plan.Namespaces)),
	)
	return plan, nil
}

func (r *Resolver) resolveImport(ctx context.Context, fset *token.FileSet, spec *ast.ImportSpec) (Import, error) {
	importPath, err := strconv.Unquote(spec.Path.Value)
	if err != nil {
		return Import{}, errors.New(errors.CodeUnresolvedImport, "malformed import path", err).
			WithContext("import", spec.Path.Value)
	}
	imp := Import{Path: importPath, Pos: fset.Position(spec.Pos())}
	alias := ""
	if spec.Name != nil {
		alias = spec.Name.Name
	}
	if alias == "." {
		return imp, errors.New(errors.CodeForbiddenConstruct,
			fmt.Sprintf("dot import of %s", importPath), nil).
			WithContext("import", importPath).
			WithContext("line", imp.Pos.Line)
	}

	switch {
	case importPath == script.SurfacePath:
		if alias != "" {
			return imp, unresolved(imp, "aliased capability import")
		}
		imp.Identifier = script.SurfacePath

	case capability.IsCapabilityPath(importPath):
		if alias != "" {
			return imp, unresolved(imp, "aliased capability import")
		}
		set, err := r.registry.Namespace(importPath)
		if err != nil {
			return imp, unresolved(imp, "no such capability namespace")
		}
		if set.Identifier == script.SurfacePath {
			return imp, errors.New(errors.CodeBindingCollision,
				fmt.Sprintf("%s binds the reserved identifier %q", importPath, script.SurfacePath), nil).
				WithContext("identifier", set.Identifier).
				WithContext("import", importPath)
		}
		if r.authorizer != nil {
			if err := r.authorizer.AuthorizeImport(ctx, importPath); err != nil {
				if !errors.IsCode(err, errors.CodeImportDenied) {
					err = errors.New(errors.CodeImportDenied,
						fmt.Sprintf("import of %s denied", importPath), err)
				}
				return imp, errors.AsRavenError(err).WithContext("line", imp.Pos.Line)
			}
		}
		imp.Identifier = set.Identifier
		imp.Namespace = set

	default:
		if r.packages == nil || !r.packages.Allowed(importPath) {
			return imp, unresolved(imp, "import not permitted")
		}
		imp.Identifier = r.packages.PackageName(importPath)
		if alias != "" {
			imp.Identifier = alias
		}
	}
	return imp, nil
}

func unresolved(imp Import, reason string) error {
	return errors.New(errors.CodeUnresolvedImport,
		fmt.Sprintf("cannot import %s: %s", imp.Path, reason), nil).
		WithContext("import", imp.Path).
		WithContext("reason", reason).
		WithContext("line", imp.Pos.Line)
}
