// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fe1fan/raven/pkg/config"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fe1fan/raven/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// Authorizer enforces a policy on imports and hosted calls.
type Authorizer struct {
	mu     sync.RWMutex
	engine PolicyEngine
	logger *slog.Logger
}

// NewAuthorizer wraps engine. A nil engine allows everything.
func NewAuthorizer(engine PolicyEngine, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{engine: engine, logger: logger}
}

// FromConfig builds the allow and deny lists and the rules of cfg.
func FromConfig(cfg config.GovernanceConfig, logger *slog.Logger) (*Authorizer, error) {
	engine, err := Compile(cfg)
	if err != nil {
		return nil, err
	}
	return NewAuthorizer(engine, logger), nil
}

// Compile validates cfg and returns the engine enforcing it.
func Compile(cfg config.GovernanceConfig) (PolicyEngine, error) {
	rules, err := RuleSetFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewNamespaceFilter(cfg.Allow, cfg.Deny, rules)
}

// Reload replaces the policy with the one described by cfg. An invalid
// policy is rejected and the current one stays in force. Decisions already
// taken are not revisited.
func (a *Authorizer) Reload(cfg config.GovernanceConfig) error {
	engine, err := Compile(cfg)
	if err != nil {
		a.logger.Error("governance.reload.rejected", slog.String("error", err.Error()))
		return err
	}
	a.mu.Lock()
	a.engine = engine
	a.mu.Unlock()
	a.logger.Info("governance.reloaded",
		slog.Int("allow", len(cfg.Allow)),
		slog.Int("deny", len(cfg.Deny)),
		slog.Int("rules", len(cfg.Rules)),
	)
	return nil
}

// AuthorizeImport fails with ImportDenied when namespace may not be imported.
func (a *Authorizer) AuthorizeImport(ctx context.Context, namespace string) error {
	d := a.decide(ctx, ImportAction(namespace))
	if d.Allowed() {
		return nil
	}
	return errors.New(errors.CodeImportDenied,
		fmt.Sprintf("import of %s denied", namespace), nil).
		WithContext("namespace", namespace).
		WithContext("rule_id", d.RuleID).
		WithContext("reason", d.Reason)
}

// AuthorizeCall fails with Unauthorized when namespace.member may not be called.
func (a *Authorizer) AuthorizeCall(ctx context.Context, namespace, member string) error {
	d := a.decide(ctx, CallAction(namespace, member))
	if d.Allowed() {
		return nil
	}
	return errors.New(errors.CodeUnauthorized,
		fmt.Sprintf("call to %s.%s denied", namespace, member), nil).
		WithContext("namespace", namespace).
		WithContext("member", member).
		WithContext("rule_id", d.RuleID).
		WithContext("reason", d.Reason)
}

func (a *Authorizer) decide(ctx context.Context, action Action) Decision {
	if a == nil {
		return allow
	}
	a.mu.RLock()
	engine := a.engine
	a.mu.RUnlock()
	if engine == nil {
		return allow
	}
	d := engine.Evaluate(ctx, action)
	trace.SpanFromContext(ctx).AddEvent("governance.decision",
		trace.WithAttributes(telemetry.PolicyAttributes(d.Allowed(), d.RuleID, d.Reason)...))
	if !d.Allowed() {
		a.logger.InfoContext(ctx, "governance.denied",
			slog.String("type", string(action.Type)),
			slog.String("name", action.Name),
			slog.String("rule_id", d.RuleID),
			slog.String("reason", d.Reason),
		)
	}
	return d
}
