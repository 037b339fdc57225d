// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/fe1fan/raven/pkg/config"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fe1fan/raven/pkg/server"
	"github.com/fe1fan/raven/pkg/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var (
		addr        string
		workersDir  string
		watch       bool
		watchConfig bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve worker scripts over HTTP",
		Long: `Serve loads every worker script under the worker directory and routes
ANY /w/{worker}/... to it. /healthz, /metrics and /catalog are served
alongside.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, overrides, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("workers") {
				cfg.Worker.Dir = workersDir
			}
			if cmd.Flags().Changed("watch") {
				cfg.Worker.Watch = watch
			}
			return serve(cmd.Context(), cfg, serveOptions{
				configPath:  flags.ConfigPath,
				profile:     flags.Profile,
				overrides:   overrides,
				watchConfig: watchConfig,
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (server.addr)")
	cmd.Flags().StringVar(&workersDir, "workers", "", "worker script directory (worker.dir)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload worker scripts when they change (worker.watch)")
	cmd.Flags().BoolVar(&watchConfig, "watch-config", true, "apply governance changes from the configuration file without a restart")
	return cmd
}

type serveOptions struct {
	configPath  string
	profile     string
	overrides   map[string]string
	watchConfig bool
}

func serve(ctx context.Context, cfg *config.Config, opts serveOptions) error {
	rt, err := buildRuntime(ctx, cfg, runtimeOptions{remote: true})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
		defer cancel()
		if err := rt.Close(sctx); err != nil {
			rt.logger.Warn("runtime.close", slog.String("error", err.Error()))
		}
	}()

	set, err := worker.NewSet(cfg.Worker.Dir,
		worker.WithPattern(cfg.Worker.Pattern),
		worker.WithLogger(rt.logger),
		worker.WithValidator(func(ctx context.Context, name, source string) error {
			_, err := rt.controller.Resolver().Resolve(ctx, name, source)
			return err
		}),
	)
	if err != nil {
		return NewConfigError(err, opts.configPath)
	}
	if err := set.Load(ctx); err != nil {
		// rejected workers are reported and skipped; the rest are served
		if !errors.IsCode(err, errors.CodeExecution) {
			return NewStartupError(err, "workers")
		}
		rt.logger.Warn("workers.rejected", slog.String("error", err.Error()))
	}
	rt.health.RegisterChecker("workers", set)

	srv := server.New(rt.controller, set, rt.registry,
		server.WithHealth(rt.health),
		server.WithMetricsHandler(rt.metricsH),
		server.WithLogger(rt.logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
	})
	if cfg.Worker.Watch {
		g.Go(func() error { return set.Watch(gctx) })
	}
	if opts.watchConfig && opts.configPath != "" {
		w, err := config.NewWatcher(opts.configPath,
			config.WithWatchLogger(rt.logger),
			config.WithWatchProfile(opts.profile),
			config.WithWatchOverrides(opts.overrides),
		)
		if err != nil {
			return NewConfigError(err, opts.configPath)
		}
		w.OnChange(func(c *config.Config, changed []string) {
			for _, section := range changed {
				if section == "governance" {
					// rejected policies are logged; the current one stays
					_ = rt.authorizer.Reload(c.Governance)
					continue
				}
				rt.logger.Warn("config.restart_required", slog.String("section", section))
			}
		})
		g.Go(func() error { return w.Run(gctx) })
	}

	rt.logger.Info("raven.serving",
		slog.String("addr", cfg.Server.Addr),
		slog.String("workers", cfg.Worker.Dir),
		slog.Int("loaded", len(set.Names())),
		slog.Int("namespaces", len(rt.registry.Namespaces())),
	)
	return g.Wait()
}
