// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fe1fan/raven/pkg/server"
	"github.com/spf13/cobra"
)

func newCatalogCommand(flags *globalFlags) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "catalog [namespace]",
		Short: "List capability namespaces, or the members of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg, runtimeOptions{remote: remote})
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				return printNamespaces(out, server.Catalog(rt.registry, false), flags.JSON)
			}
			set, err := rt.registry.Namespace(args[0])
			if err != nil {
				return err
			}
			for _, ns := range server.Catalog(rt.registry, true) {
				if ns.Path == set.Path {
					return printMembers(out, ns, flags.JSON)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "include mcp servers and grpc bridges (connects to them)")
	return cmd
}

func printNamespaces(w io.Writer, list []server.NamespaceInfo, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(list)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAMESPACE\tIDENTIFIER\tKIND\tVERSION\tDESCRIPTION")
	for _, ns := range list {
		kind := "pure"
		if ns.Hosted {
			kind = "hosted"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ns.Path, ns.Identifier, kind, dash(ns.Version), ns.Description)
	}
	return tw.Flush()
}

func printMembers(w io.Writer, ns server.NamespaceInfo, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(ns)
	}
	fmt.Fprintf(w, "import %q  // binds %s\n", ns.Path, ns.Identifier)
	if ns.Description != "" {
		fmt.Fprintf(w, "%s\n", ns.Description)
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MEMBER\tCALL\tKIND\tTIMEOUT\tDESCRIPTION")
	for _, m := range ns.Members {
		call := fmt.Sprintf("%s.%s(%s)", ns.Identifier, m.Exported, strings.Join(m.Args, ", "))
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.Name, call, m.Kind, dash(m.Timeout), m.Description)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
