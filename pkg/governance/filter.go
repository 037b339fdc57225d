// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fe1fan/raven/pkg/errors"
)

// NamespaceFilter applies allow and deny lists of namespace patterns before
// an optional rule engine. The lists look at the namespace of an action, so
// denying an import also denies every call into it.
type NamespaceFilter struct {
	allow []string
	deny  []string
	rules PolicyEngine
}

// NewNamespaceFilter validates the patterns of both lists. rules may be nil.
func NewNamespaceFilter(allowList, denyList []string, rules PolicyEngine) (*NamespaceFilter, error) {
	f := &NamespaceFilter{rules: rules}
	var err error
	if f.allow, err = patterns("allow", allowList); err != nil {
		return nil, err
	}
	if f.deny, err = patterns("deny", denyList); err != nil {
		return nil, err
	}
	return f, nil
}

func patterns(list string, in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, errors.New(errors.CodeInvalidParams,
				fmt.Sprintf("governance.%s: malformed pattern %q", list, p), nil)
		}
		out = append(out, p)
	}
	return out, nil
}

// Evaluate decides in this order: a deny list match denies, a non-empty
// allow list without a match denies, then the rule engine decides.
func (f *NamespaceFilter) Evaluate(ctx context.Context, action Action) Decision {
	ns := action.Namespace
	if ns == "" {
		ns = action.Name
	}
	if anyMatch(f.deny, ns) {
		return Decision{Effect: EffectDeny, RuleID: "denylist", Reason: "namespace is in the deny list"}
	}
	if len(f.allow) > 0 && !anyMatch(f.allow, ns) {
		return Decision{Effect: EffectDeny, RuleID: "allowlist", Reason: "namespace is not in the allow list"}
	}
	if f.rules != nil {
		return f.rules.Evaluate(ctx, action)
	}
	return allow
}

func anyMatch(list []string, ns string) bool {
	for _, p := range list {
		if matchPattern(p, ns) {
			return true
		}
	}
	return false
}
