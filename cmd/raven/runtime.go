// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/compute"
	"github.com/fe1fan/raven/pkg/config"
	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/dispatch"
	"github.com/fe1fan/raven/pkg/governance"
	"github.com/fe1fan/raven/pkg/kv"
	"github.com/fe1fan/raven/pkg/lifecycle"
	"github.com/fe1fan/raven/pkg/mcp"
	"github.com/fe1fan/raven/pkg/script"
	"github.com/fe1fan/raven/pkg/telemetry"
	"github.com/fe1fan/raven/providers/grpcbridge"
	"github.com/fe1fan/raven/providers/identity"
)

// runtime is the wired process: registry, bridge and lifecycle controller
// plus everything they need.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	metricsH   http.Handler
	registry   *capability.Registry
	bridge     *dispatch.Bridge
	controller *lifecycle.Controller
	authorizer *governance.Authorizer
	health     *core.HealthRegistry
	audit      dispatch.AuditStore

	// providers not yet owned by the bridge
	pending  map[string]dispatch.Provider
	shutdown []func(context.Context) error
}

type runtimeOptions struct {
	// remote connects mcp servers and grpc bridges; catalog listings do
	// not need them unless asked.
	remote bool
	logOut io.Writer
}

// buildRuntime wires the process from cfg. Registration order is fixed:
// pure utilities, kv, static catalogs, identity, mcp, grpc. The registry is
// sealed before the bridge exists.
func buildRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (_ *runtime, err error) {
	if opts.logOut == nil {
		opts.logOut = os.Stderr
	}
	rt := &runtime{
		cfg:    cfg,
		logger: telemetry.ConfigureSlog(opts.logOut, cfg.Log.Level, cfg.Log.Format),
		health: core.NewHealthRegistry(5 * time.Second),
	}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	tp, err := telemetry.InitWithConfig(cfg.Telemetry.ServiceName, version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return nil, NewConfigError(err, "telemetry")
	}
	rt.shutdown = append(rt.shutdown, tp.Shutdown)
	rt.metricsH = tp.MetricsHandler
	if rt.metrics, err = telemetry.NewMetrics(); err != nil {
		return nil, NewStartupError(err, "metrics")
	}

	if rt.authorizer, err = governance.FromConfig(cfg.Governance, rt.logger); err != nil {
		return nil, NewConfigError(err, "governance")
	}
	rt.registry = capability.NewRegistry()
	providers := make(map[string]dispatch.Provider)
	rt.pending = providers

	if err := compute.Register(rt.registry); err != nil {
		return nil, NewStartupError(err, "raven/utils")
	}

	if err := kv.Register(rt.registry); err != nil {
		return nil, NewStartupError(err, kv.Namespace)
	}
	store, err := kv.Open(cfg.KV)
	if err != nil {
		return nil, NewStartupError(err, kv.Namespace)
	}
	providers[kv.Namespace] = kv.NewProvider(store)

	if cfg.Catalog.Builtin {
		if _, err := rt.registry.LoadCatalog(capability.BuiltinCatalog(), "*.yaml"); err != nil {
			return nil, NewStartupError(err, "builtin catalog")
		}
	}
	if cfg.Catalog.Dir != "" {
		loaded, err := rt.registry.LoadCatalog(os.DirFS(cfg.Catalog.Dir), "*.yaml")
		if err != nil {
			return nil, NewStartupError(err, cfg.Catalog.Dir)
		}
		rt.logger.Info("catalog.loaded", slog.String("dir", cfg.Catalog.Dir), slog.Int("namespaces", len(loaded)))
	}

	if cfg.Identity.Enabled {
		idp, err := identity.NewDirectory().Providers(rt.registry)
		if err != nil {
			return nil, NewStartupError(err, "identity")
		}
		for ns, p := range idp {
			providers[ns] = p
		}
	}

	if opts.remote {
		if err := rt.bindRemote(ctx, providers); err != nil {
			return nil, err
		}
	}

	rt.registry.Seal()

	bopts := []dispatch.Option{
		dispatch.WithDefaultTimeout(cfg.Dispatch.DefaultTimeout),
		dispatch.WithAuthorizer(rt.authorizer),
		dispatch.WithRetry(cfg.Dispatch.RetryAttempts, 100*time.Millisecond),
		dispatch.WithBreaker(cfg.Dispatch.BreakerFailures, cfg.Dispatch.BreakerCooldown),
		dispatch.WithRateLimit(cfg.Dispatch.RateLimit, cfg.Dispatch.Burst),
		dispatch.WithMetrics(rt.metrics),
		dispatch.WithLogger(rt.logger),
	}
	if rt.audit, err = openAudit(cfg.Dispatch); err != nil {
		return nil, NewStartupError(err, "audit")
	}
	if rt.audit != nil {
		bopts = append(bopts, dispatch.WithAudit(rt.audit))
	}
	rt.bridge = dispatch.New(rt.registry, bopts...)
	for ns, p := range providers {
		if err := rt.bridge.RegisterProvider(ns, p); err != nil {
			return nil, NewStartupError(err, ns)
		}
		delete(rt.pending, ns)
	}
	rt.bridge.RegisterHealth(rt.health)

	rt.controller = lifecycle.New(rt.registry, rt.bridge, script.NewEngine(script.WithLogger(rt.logger)),
		lifecycle.WithRequestTimeout(cfg.Lifecycle.RequestTimeout),
		lifecycle.WithImportAuthorizer(rt.authorizer),
		lifecycle.WithMetrics(rt.metrics),
		lifecycle.WithLogger(rt.logger),
	)
	return rt, nil
}

// bindRemote connects the configured mcp servers and grpc bridges and
// registers their namespaces.
func (rt *runtime) bindRemote(ctx context.Context, providers map[string]dispatch.Provider) error {
	for _, sc := range rt.cfg.MCP.Servers {
		b, err := mcp.Connect(ctx, sc)
		if err != nil {
			return NewStartupError(err, "mcp "+sc.Name)
		}
		providers[sc.Namespace] = b.Provider
		if err := b.Register(rt.registry); err != nil {
			return NewStartupError(err, sc.Namespace)
		}
		rt.logger.Info("mcp.bound", slog.String("server", sc.Name), slog.String("namespace", sc.Namespace),
			slog.Int("members", len(b.Descriptors)))
	}
	for _, gc := range rt.cfg.GRPC.Bridges {
		c, err := grpcbridge.Open(ctx, gc, grpcbridge.WithLogger(rt.logger))
		if err != nil {
			return NewStartupError(err, "grpc "+gc.Target)
		}
		providers[gc.Namespace] = c
		if err := c.Register(rt.registry); err != nil {
			return NewStartupError(err, gc.Namespace)
		}
	}
	return nil
}

func openAudit(cfg config.DispatchConfig) (dispatch.AuditStore, error) {
	switch cfg.AuditBackend {
	case "", "none":
		return nil, nil
	case "memory":
		return dispatch.NewMemoryAuditStore(), nil
	case "sqlite":
		if cfg.AuditDSN == "" {
			return nil, fmt.Errorf("dispatch.audit_dsn is required for the sqlite audit backend")
		}
		return dispatch.OpenSQLiteAuditStore(cfg.AuditDSN)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.AuditBackend)
	}
}

// Close drains in-flight calls, closes providers and flushes telemetry.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.bridge != nil {
		if err := rt.bridge.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for ns, p := range rt.pending {
		if c, ok := p.(dispatch.Closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close provider %s: %w", ns, err))
			}
		}
	}
	for i := len(rt.shutdown) - 1; i >= 0; i-- {
		if err := rt.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
