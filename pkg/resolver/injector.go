// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"reflect"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/dispatch"
	"github.com/traefik/yaegi/interp"
)

// PureMember is the script-side signature of a pure member.
type PureMember = func(args ...any) (any, error)

// HostedMember is the script-side signature of a hosted member.
type HostedMember = func(args ...any) *dispatch.Call

// Inject builds the capability bindings of plan for one execution context.
// Each namespace becomes an importable package whose members route through
// scope, so bindings never outlive the request that created them.
func Inject(plan *Plan, scope *dispatch.Scope) interp.Exports {
	exports := make(interp.Exports, len(plan.Namespaces))
	for _, set := range plan.Namespaces {
		exports[set.Path+"/"+set.Identifier] = Binding(set, scope)
	}
	return exports
}

// Binding returns the member table of one namespace bound to scope.
func Binding(set *capability.NamespaceSet, scope *dispatch.Scope) map[string]reflect.Value {
	members := set.Members()
	table := make(map[string]reflect.Value, len(members))
	for _, d := range members {
		table[d.ExportedName()] = reflect.ValueOf(member(d, scope))
	}
	return table
}

func member(d *capability.Descriptor, scope *dispatch.Scope) any {
	if d.Kind == capability.KindPure {
		return PureMember(func(args ...any) (any, error) {
			return scope.Invoke(d, args)
		})
	}
	return HostedMember(func(args ...any) *dispatch.Call {
		return scope.Submit(d, args)
	})
}
