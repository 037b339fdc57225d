// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fe1fan/raven/pkg/config"
	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fe1fan/raven/pkg/lifecycle"
	"github.com/fe1fan/raven/pkg/script"
	"github.com/spf13/cobra"
)

type runFlags struct {
	Method   string
	Path     string
	Body     string
	BodyFile string
	Headers  []string
	Offline  bool
	Fail     bool
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <script.go>",
		Short: "Run one worker script against a synthetic request",
		Example: `  raven run hello.go
  raven run users.go --method POST --body alice
  echo '{"n":[1,2,3]}' | raven run stats.go --body-file -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			resp, err := runScript(cmd.Context(), cfg, args[0], rf, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := printResponse(cmd.OutOrStdout(), resp, flags.JSON); err != nil {
				return err
			}
			if rf.Fail && resp.Status >= 400 {
				return errors.New(errors.CodeExecution, fmt.Sprintf("script answered %d", resp.Status), nil)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&rf.Method, "method", "X", "GET", "request method")
	f.StringVar(&rf.Path, "path", "/", "request path seen by the script")
	f.StringVarP(&rf.Body, "body", "d", "", "request body")
	f.StringVar(&rf.BodyFile, "body-file", "", "read the request body from a file, - for stdin")
	f.StringArrayVarP(&rf.Headers, "header", "H", nil, "request header (Name: value), repeatable")
	f.BoolVar(&rf.Offline, "offline", false, "do not connect mcp servers or grpc bridges")
	f.BoolVar(&rf.Fail, "fail", false, "exit non-zero when the script answers with a status of 400 or more")
	return cmd
}

func runScript(ctx context.Context, cfg *config.Config, path string, rf *runFlags, stdin io.Reader) (*script.Response, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, NewCLIError(errors.New(errors.CodeInvalidParams, "read script", err).
			WithContext("path", path), "pass the path of a .go worker script")
	}
	req, err := buildRequest(rf, stdin)
	if err != nil {
		return nil, err
	}

	rt, err := buildRuntime(ctx, cfg, runtimeOptions{remote: !rf.Offline})
	if err != nil {
		return nil, err
	}
	defer rt.Close(context.Background())

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ctx = core.WithWorker(ctx, name)
	return rt.controller.Handle(ctx, lifecycle.Script{Name: filepath.Base(path), Source: string(src)}, req), nil
}

func buildRequest(rf *runFlags, stdin io.Reader) (*script.Request, error) {
	body := rf.Body
	switch rf.BodyFile {
	case "":
	case "-":
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidParams, "read body from stdin", err)
		}
		body = string(raw)
	default:
		raw, err := os.ReadFile(rf.BodyFile)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidParams, "read body file", err)
		}
		body = string(raw)
	}

	headers := make(map[string]string, len(rf.Headers))
	for _, h := range rf.Headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, NewCLIError(errors.New(errors.CodeInvalidParams,
				fmt.Sprintf("invalid header %q", h), nil), `use -H "Name: value"`)
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	path := rf.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &script.Request{
		Method:  strings.ToUpper(rf.Method),
		URL:     path,
		Path:    path,
		Headers: headers,
		Body:    body,
	}, nil
}

func printResponse(w io.Writer, resp *script.Response, asJSON bool) error {
	status := resp.Status
	if status == 0 {
		status = 200
	}
	if asJSON {
		return json.NewEncoder(w).Encode(map[string]any{
			"status":  status,
			"headers": resp.Headers,
			"body":    resp.Body,
		})
	}
	fmt.Fprintf(w, "%d\n", status)
	keys := make([]string, 0, len(resp.Headers))
	for k := range resp.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, resp.Headers[k])
	}
	fmt.Fprintf(w, "\n%s", resp.Body)
	if resp.Body != "" && !strings.HasSuffix(resp.Body, "\n") {
		fmt.Fprintln(w)
	}
	return nil
}
