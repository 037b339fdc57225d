// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the raven command: it serves worker scripts over
// HTTP, runs one script locally and lists the capability catalog.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fe1fan/raven/pkg/config"
	"github.com/spf13/cobra"
)

// Set through -ldflags at build time.
var version = "dev"

type globalFlags struct {
	ConfigPath string
	Profile    string
	Set        []string
	JSON       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := &globalFlags{}
	root := newRootCommand(flags)
	if err := root.ExecuteContext(ctx); err != nil {
		PrintError(os.Stderr, err, flags.JSON)
		stop()
		os.Exit(exitCode(err))
	}
}

func newRootCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "raven",
		Short: "Raven - capability runtime for worker scripts",
		Long: `Raven runs small Go worker scripts against a fixed catalog of capability
namespaces. Scripts import namespaces such as "raven/kv" or
"raven/identity/users"; imports are resolved before the script runs and
hosted calls cross a dispatch bridge to their providers.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.ConfigPath, "config", "c", os.Getenv("RAVEN_CONFIG"), "path to the YAML configuration")
	pf.StringVar(&flags.Profile, "profile", "", "configuration profile overlay (config.<profile>.yaml)")
	pf.StringArrayVar(&flags.Set, "set", nil, "override a configuration key (key=value), repeatable")
	pf.BoolVar(&flags.JSON, "json", false, "print machine-readable output")

	cmd.AddCommand(
		newServeCommand(flags),
		newRunCommand(flags),
		newCatalogCommand(flags),
	)
	return cmd
}

func loadConfig(flags *globalFlags) (*config.Config, map[string]string, error) {
	overrides, err := config.ParseOverrides(flags.Set)
	if err != nil {
		return nil, nil, NewConfigError(err, flags.ConfigPath)
	}
	cfg, err := config.LoadWithOverrides(flags.ConfigPath, flags.Profile, overrides)
	if err != nil {
		return nil, nil, NewConfigError(err, flags.ConfigPath)
	}
	return cfg, overrides, nil
}
