// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package server is the HTTP front: it turns inbound HTTP exchanges into
// worker script runs and exposes health, metrics and the capability
// catalog.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fe1fan/raven/pkg/lifecycle"
	"github.com/fe1fan/raven/pkg/script"
	"github.com/fe1fan/raven/pkg/worker"
)

// DefaultMaxBodyBytes bounds the request body handed to a script.
const DefaultMaxBodyBytes = 4 << 20

// Handler runs one script for one exchange. *lifecycle.Controller
// implements it.
type Handler interface {
	Handle(ctx context.Context, s lifecycle.Script, req *script.Request) *script.Response
}

// Workers looks up loaded worker scripts. *worker.Set implements it.
type Workers interface {
	Get(name string) (*worker.Worker, bool)
	Names() []string
}

// Server routes /w/{worker}/..., /healthz, /metrics and /catalog.
type Server struct {
	handler  Handler
	workers  Workers
	registry *capability.Registry
	health   core.HealthCheckProvider
	metrics  http.Handler
	logger   *slog.Logger
	maxBody  int64
}

// Option configures a Server.
type Option func(*Server)

// WithHealth serves /healthz from hp.
func WithHealth(hp core.HealthCheckProvider) Option {
	return func(s *Server) { s.health = hp }
}

// WithMetricsHandler serves /metrics from h.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// New creates the HTTP front.
func New(handler Handler, workers Workers, registry *capability.Registry, opts ...Option) *Server {
	s := &Server{
		handler:  handler,
		workers:  workers,
		registry: registry,
		logger:   slog.Default(),
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := normalizePath(r.URL.Path)
	if len(segments) == 0 {
		http.NotFound(w, r)
		return
	}
	switch segments[0] {
	case "w":
		s.handleWorker(w, r, segments[1:])
	case "healthz":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleHealth(w, r)
	case "metrics":
		if s.metrics == nil {
			http.NotFound(w, r)
			return
		}
		s.metrics.ServeHTTP(w, r)
	case "catalog":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleCatalog(w, r, strings.Join(segments[1:], "/"))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request, segments []string) {
	ctx := r.Context()
	if id := r.Header.Get(lifecycle.RequestIDHeader); id != "" {
		ctx = core.WithRequestID(ctx, id)
	}
	ctx, requestID := core.EnsureRequestID(ctx)

	wk, rest, ok := s.lookup(segments)
	if !ok {
		writeResponse(w, lifecycle.FailureResponse(
			errors.New(errors.CodeNotFound, fmt.Sprintf("no worker at /w/%s", strings.Join(segments, "/")), nil),
			requestID))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		code := errors.CodeInvalidParams
		msg := "read request body"
		if stderrors.As(err, &tooLarge) {
			msg = fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
		}
		writeResponse(w, lifecycle.FailureResponse(errors.New(code, msg, err), requestID))
		return
	}

	req := &script.Request{
		Method:  r.Method,
		URL:     r.URL.String(),
		Path:    "/" + strings.Join(rest, "/"),
		Headers: flattenHeaders(r.Header),
		Body:    string(body),
	}
	ctx = core.WithWorker(ctx, wk.Name)
	resp := s.handler.Handle(ctx, lifecycle.Script{Name: wk.Name, Source: wk.Source}, req)
	writeResponse(w, resp)
}

// lookup finds the longest worker name that prefixes segments. Worker
// names may contain slashes.
func (s *Server) lookup(segments []string) (*worker.Worker, []string, bool) {
	for i := len(segments); i > 0; i-- {
		if wk, ok := s.workers.Get(strings.Join(segments[:i], "/")); ok {
			return wk, segments[i:], true
		}
	}
	return nil, nil, false
}

type healthBody struct {
	Status     core.HealthStatus   `json:"status"`
	Components []core.HealthResult `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: core.HealthHealthy}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		body.Components, body.Status = s.health.CheckAll(ctx)
	}
	writeJSON(w, body.Status.StatusCode(), body)
}

// NamespaceInfo is the catalog entry of one namespace.
type NamespaceInfo struct {
	Path        string       `json:"path"`
	Identifier  string       `json:"identifier"`
	Description string       `json:"description,omitempty"`
	Version     string       `json:"version,omitempty"`
	Hosted      bool         `json:"hosted"`
	Members     []MemberInfo `json:"members,omitempty"`
}

// MemberInfo is the catalog entry of one member.
type MemberInfo struct {
	Name        string          `json:"name"`
	Exported    string          `json:"exported"`
	Kind        string          `json:"kind"`
	Args        []string        `json:"args,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Timeout     string          `json:"timeout,omitempty"`
	Idempotent  bool            `json:"idempotent,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Catalog describes the namespaces of r. Members are only listed when
// withMembers is set.
func Catalog(r *capability.Registry, withMembers bool) []NamespaceInfo {
	paths := r.Namespaces()
	out := make([]NamespaceInfo, 0, len(paths))
	for _, p := range paths {
		set, err := r.Namespace(p)
		if err != nil {
			continue
		}
		out = append(out, describe(set, withMembers))
	}
	return out
}

func describe(set *capability.NamespaceSet, withMembers bool) NamespaceInfo {
	info := NamespaceInfo{
		Path:        set.Path,
		Identifier:  set.Identifier,
		Description: set.Description,
		Version:     set.Version,
		Hosted:      set.Hosted(),
	}
	if !withMembers {
		return info
	}
	for _, d := range set.Members() {
		m := MemberInfo{
			Name:        d.Member,
			Exported:    d.ExportedName(),
			Kind:        string(d.Kind),
			Args:        d.Args,
			Params:      d.Params,
			Idempotent:  d.Idempotent,
			Description: d.Description,
		}
		if d.Timeout > 0 {
			m.Timeout = d.Timeout.String()
		}
		info.Members = append(info.Members, m)
	}
	return info
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request, namespace string) {
	if namespace == "" {
		writeJSON(w, http.StatusOK, Catalog(s.registry, r.URL.Query().Get("members") == "true"))
		return
	}
	set, err := s.registry.Namespace(namespace)
	if err != nil {
		re := errors.AsRavenError(err)
		writeJSON(w, re.StatusCode, map[string]any{"error": map[string]string{
			"code":    string(re.Code),
			"message": re.Message,
		}})
		return
	}
	writeJSON(w, http.StatusOK, describe(set, true))
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server.listen", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("server.shutdown")
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeResponse(w http.ResponseWriter, resp *script.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": map[string]string{
		"code":    string(errors.CodeInvalidParams),
		"message": "method not allowed",
	}})
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func normalizePath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
