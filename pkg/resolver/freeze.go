// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"fmt"
	"go/ast"
	"go/token"

	"github.com/fe1fan/raven/pkg/errors"
)

// checkFrozen rejects every construct that would rebind or shadow an
// imported identifier, and goroutines, since an execution context runs on
// a single goroutine.
func checkFrozen(fset *token.FileSet, file *ast.File, bound map[string]Import) error {
	v := &freezer{fset: fset, bound: bound}
	ast.Inspect(file, v.visit)
	return v.err
}

type freezer struct {
	fset  *token.FileSet
	bound map[string]Import
	err   error
}

func (f *freezer) visit(n ast.Node) bool {
	if f.err != nil || n == nil {
		return false
	}
	switch n := n.(type) {
	case *ast.GoStmt:
		f.fail(errors.CodeForbiddenConstruct, n.Pos(), "go statements are not allowed", "")
	case *ast.AssignStmt:
		for _, lhs := range n.Lhs {
			f.target(lhs, "assignment to")
		}
	case *ast.IncDecStmt:
		f.target(n.X, "assignment to")
	case *ast.RangeStmt:
		if n.Key != nil {
			f.target(n.Key, "range variable")
		}
		if n.Value != nil {
			f.target(n.Value, "range variable")
		}
	case *ast.ValueSpec:
		f.idents(n.Names, "declaration of")
	case *ast.TypeSpec:
		f.ident(n.Name, "type declaration of")
		f.fields(n.TypeParams, "type parameter")
	case *ast.FuncDecl:
		if n.Recv == nil {
			f.ident(n.Name, "function declaration of")
		}
		f.fields(n.Recv, "receiver")
		f.fields(n.Type.TypeParams, "type parameter")
		f.fields(n.Type.Params, "parameter")
		f.fields(n.Type.Results, "result")
	case *ast.FuncLit:
		f.fields(n.Type.Params, "parameter")
		f.fields(n.Type.Results, "result")
	case *ast.LabeledStmt:
		f.ident(n.Label, "label")
	}
	return f.err == nil
}

// target checks an assignment destination. Writing to a member of a
// binding (kv.Get = ...) counts as reassigning it.
func (f *freezer) target(e ast.Expr, what string) {
	switch e := e.(type) {
	case *ast.Ident:
		f.ident(e, what)
	case *ast.SelectorExpr:
		if x, ok := e.X.(*ast.Ident); ok {
			if _, bound := f.bound[x.Name]; bound {
				f.fail(errors.CodeBindingReassigned, e.Pos(),
					fmt.Sprintf("%s %s.%s", what, x.Name, e.Sel.Name), x.Name)
			}
		}
	case *ast.ParenExpr:
		f.target(e.X, what)
	}
}

func (f *freezer) fields(list *ast.FieldList, what string) {
	if list == nil {
		return
	}
	for _, field := range list.List {
		f.idents(field.Names, what)
	}
}

func (f *freezer) idents(ids []*ast.Ident, what string) {
	for _, id := range ids {
		f.ident(id, what)
	}
}

func (f *freezer) ident(id *ast.Ident, what string) {
	if id == nil || f.err != nil {
		return
	}
	if _, bound := f.bound[id.Name]; bound {
		f.fail(errors.CodeBindingReassigned, id.Pos(), fmt.Sprintf("%s %s", what, id.Name), id.Name)
	}
}

func (f *freezer) fail(code errors.ErrorCode, pos token.Pos, msg, identifier string) {
	if f.err != nil {
		return
	}
	p := f.fset.Position(pos)
	err := errors.New(code, msg, nil).
		WithContext("line", p.Line).
		WithContext("column", p.Column)
	if identifier != "" {
		err.WithContext("identifier", identifier).
			WithContext("import", f.bound[identifier].Path)
	}
	f.err = err
}
