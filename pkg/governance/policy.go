// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package governance decides which capability namespaces a script may
// import and which members it may call.
package governance

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fe1fan/raven/pkg/config"
	"github.com/fe1fan/raven/pkg/errors"
)

// ActionType is what a script is about to do.
type ActionType string

const (
	// ActionImport is a script importing a namespace. Name is the path.
	ActionImport ActionType = "import"
	// ActionCall is a hosted call. Name is "namespace.member".
	ActionCall ActionType = "call"
)

// Action is the subject of one policy decision.
type Action struct {
	Type      ActionType
	Name      string
	Namespace string
	Member    string
}

// ImportAction builds the action for importing namespace.
func ImportAction(namespace string) Action {
	return Action{Type: ActionImport, Name: namespace, Namespace: namespace}
}

// CallAction builds the action for calling namespace.member.
func CallAction(namespace, member string) Action {
	return Action{Type: ActionCall, Name: namespace + "." + member, Namespace: namespace, Member: member}
}

// Effect is the verdict of a rule.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Decision is the verdict on one action and the rule that produced it.
// RuleID is empty when nothing matched.
type Decision struct {
	Effect Effect
	RuleID string
	Reason string
}

// Allowed reports whether the action may proceed.
func (d Decision) Allowed() bool { return d.Effect != EffectDeny }

var allow = Decision{Effect: EffectAllow}

// PolicyEngine evaluates actions.
type PolicyEngine interface {
	Evaluate(ctx context.Context, action Action) Decision
}

// Rule matches actions by type and doublestar pattern. An empty Type
// matches both imports and calls; an empty Pattern matches every name.
type Rule struct {
	ID      string
	Effect  Effect
	Type    ActionType
	Pattern string
	Reason  string
}

// RuleSet applies the first matching rule and allows when none matches.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet validates rules and keeps their order.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}
	return &RuleSet{rules: append([]Rule(nil), rules...)}, nil
}

func (r Rule) validate() error {
	invalid := func(format string, args ...any) error {
		return errors.New(errors.CodeInvalidParams, fmt.Sprintf(format, args...), nil).
			WithContext("rule_id", r.ID)
	}
	switch r.Effect {
	case EffectAllow, EffectDeny:
	default:
		return invalid("governance rule %s: effect %q is neither allow nor deny", r.ID, r.Effect)
	}
	switch r.Type {
	case "", ActionImport, ActionCall:
	default:
		return invalid("governance rule %s: type %q is neither import nor call", r.ID, r.Type)
	}
	if r.Pattern != "" && !doublestar.ValidatePattern(r.Pattern) {
		return invalid("governance rule %s: malformed pattern %q", r.ID, r.Pattern)
	}
	return nil
}

// Evaluate returns the decision of the first rule matching action.
func (s *RuleSet) Evaluate(_ context.Context, action Action) Decision {
	for _, r := range s.rules {
		if r.Type != "" && r.Type != action.Type {
			continue
		}
		if r.Pattern != "" && !matchPattern(r.Pattern, action.Name) {
			continue
		}
		return Decision{Effect: r.Effect, RuleID: r.ID, Reason: r.Reason}
	}
	return allow
}

// matchPattern matches slash-separated namespace paths. "raven/identity/**"
// covers every namespace below raven/identity.
func matchPattern(pattern, value string) bool {
	if pattern == value {
		return true
	}
	ok, err := doublestar.Match(pattern, value)
	return err == nil && ok
}

// RuleSetFromConfig builds the rule set of cfg. Unnamed rules are numbered
// rule-1, rule-2 and so on; effect and type are case-insensitive.
func RuleSetFromConfig(cfg config.GovernanceConfig) (*RuleSet, error) {
	rules := make([]Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		id := strings.TrimSpace(rc.ID)
		if id == "" {
			id = fmt.Sprintf("rule-%d", i+1)
		}
		rules = append(rules, Rule{
			ID:      id,
			Effect:  Effect(strings.ToLower(strings.TrimSpace(rc.Effect))),
			Type:    ActionType(strings.ToLower(strings.TrimSpace(rc.Type))),
			Pattern: strings.TrimSpace(rc.Name),
			Reason:  rc.Reason,
		})
	}
	return NewRuleSet(rules)
}
