// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker loads the scripts served by the HTTP front and keeps them
// current while their files change.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/errors"
)

// DefaultPattern selects every Go file below the worker directory.
const DefaultPattern = "**/*.go"

const maxSourceBytes = 1 << 20

var segmentPattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

// Worker is one loaded script.
type Worker struct {
	Name     string
	Path     string
	Source   string
	ModTime  time.Time
	LoadedAt time.Time
}

// Validator rejects a script before it replaces the served version. The
// resolver is the usual validator: a worker that cannot resolve its imports
// is never served.
type Validator func(ctx context.Context, name, source string) error

// Set is the collection of workers found under one directory.
type Set struct {
	dir      string
	pattern  string
	validate Validator
	events   core.EventEmitter
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	workers map[string]*Worker
	errs    map[string]error
}

// Option configures a Set.
type Option func(*Set)

// WithPattern sets the doublestar pattern, relative to the directory.
func WithPattern(pattern string) Option {
	return func(s *Set) {
		if pattern != "" {
			s.pattern = pattern
		}
	}
}

// WithValidator checks each script before it is served.
func WithValidator(v Validator) Option {
	return func(s *Set) { s.validate = v }
}

// WithEventEmitter receives worker.loaded, worker.removed and
// worker.rejected events.
func WithEventEmitter(e core.EventEmitter) Option {
	return func(s *Set) {
		if e != nil {
			s.events = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Set) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDebounce sets how long Watch waits for writes to settle.
func WithDebounce(d time.Duration) Option {
	return func(s *Set) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// NewSet creates an empty set for dir. Call Load to read the scripts.
func NewSet(dir string, opts ...Option) (*Set, error) {
	s := &Set{
		dir:      dir,
		pattern:  DefaultPattern,
		events:   core.NoopEventEmitter{},
		logger:   slog.Default(),
		debounce: 150 * time.Millisecond,
		workers:  make(map[string]*Worker),
		errs:     make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !doublestar.ValidatePattern(s.pattern) {
		return nil, errors.New(errors.CodeInvalidParams,
			fmt.Sprintf("invalid worker pattern %q", s.pattern), nil)
	}
	return s, nil
}

// Dir returns the watched directory.
func (s *Set) Dir() string { return s.dir }

// Load reads every script matching the pattern. Scripts that fail to
// load are reported in the returned error but do not stop the others.
func (s *Set) Load(ctx context.Context) error {
	matches, err := doublestar.Glob(os.DirFS(s.dir), s.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return errors.New(errors.CodeInvalidParams, "scan worker directory", err).
			WithContext("dir", s.dir)
	}
	sort.Strings(matches)

	var failed []string
	seen := make(map[string]bool, len(matches))
	for _, rel := range matches {
		if strings.HasSuffix(rel, "_test.go") {
			continue
		}
		name, err := Name(rel)
		if err != nil {
			s.reject(ctx, rel, err)
			failed = append(failed, rel)
			continue
		}
		seen[name] = true
		if err := s.loadFile(ctx, name, rel); err != nil {
			failed = append(failed, rel)
		}
	}

	for _, name := range s.Names() {
		if !seen[name] {
			s.remove(ctx, name)
		}
	}
	if len(failed) > 0 {
		return errors.New(errors.CodeExecution,
			fmt.Sprintf("%d worker(s) rejected: %s", len(failed), strings.Join(failed, ", ")), nil)
	}
	return nil
}

// Get returns the named worker.
func (s *Set) Get(name string) (*Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	return w, ok
}

// Names returns the served worker names, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.workers))
	for name := range s.workers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Errors returns the last load error per script path.
func (s *Set) Errors() map[string]error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]error, len(s.errs))
	for k, v := range s.errs {
		out[k] = v
	}
	return out
}

// Check reports the set as degraded while any script is rejected.
func (s *Set) Check(context.Context) core.HealthResult {
	res := core.HealthResult{Status: core.HealthHealthy, Component: "workers", LastCheck: time.Now()}
	errs := s.Errors()
	switch {
	case len(errs) > 0:
		res.Status = core.HealthDegraded
		res.Message = fmt.Sprintf("%d worker(s) rejected", len(errs))
	default:
		res.Message = fmt.Sprintf("%d worker(s) loaded", len(s.Names()))
	}
	return res
}

// Name derives the worker name from a path relative to the worker
// directory: hello.go is "hello", api/users.go is "api/users".
func Name(rel string) (string, error) {
	rel = filepath.ToSlash(rel)
	name := strings.TrimSuffix(rel, path.Ext(rel))
	if name == "" {
		return "", errors.New(errors.CodeInvalidParams, "empty worker name", nil)
	}
	for _, seg := range strings.Split(name, "/") {
		if !segmentPattern.MatchString(seg) {
			return "", errors.New(errors.CodeInvalidParams,
				fmt.Sprintf("worker name %q must match %s per path segment", name, segmentPattern), nil)
		}
	}
	return name, nil
}

func (s *Set) loadFile(ctx context.Context, name, rel string) error {
	full := filepath.Join(s.dir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		s.reject(ctx, rel, err)
		return err
	}
	if info.Size() > maxSourceBytes {
		err := errors.New(errors.CodeInvalidParams,
			fmt.Sprintf("worker %s exceeds %d bytes", name, maxSourceBytes), nil)
		s.reject(ctx, rel, err)
		return err
	}
	if prev, ok := s.Get(name); ok && prev.ModTime.Equal(info.ModTime()) {
		return nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		s.reject(ctx, rel, err)
		return err
	}
	src := string(data)
	if s.validate != nil {
		if err := s.validate(core.WithWorker(ctx, name), name, src); err != nil {
			s.reject(ctx, rel, err)
			return err
		}
	}

	w := &Worker{Name: name, Path: full, Source: src, ModTime: info.ModTime(), LoadedAt: time.Now()}
	s.mu.Lock()
	_, replaced := s.workers[name]
	s.workers[name] = w
	delete(s.errs, rel)
	s.mu.Unlock()

	ctx = core.WithWorker(ctx, name)
	s.logger.InfoContext(ctx, "worker.loaded",
		slog.String("worker", name),
		slog.String("path", full),
		slog.Bool("replaced", replaced),
	)
	s.events.Emit(ctx, core.NewEvent(ctx, core.EventWorkerLoaded, map[string]any{
		"path":     full,
		"replaced": replaced,
	}))
	return nil
}

func (s *Set) reject(ctx context.Context, rel string, err error) {
	s.mu.Lock()
	s.errs[rel] = err
	s.mu.Unlock()

	name, nameErr := Name(rel)
	if nameErr == nil {
		ctx = core.WithWorker(ctx, name)
	}
	s.logger.WarnContext(ctx, "worker.rejected",
		slog.String("path", rel),
		slog.String("error", err.Error()),
	)
	s.events.Emit(ctx, core.NewEvent(ctx, core.EventWorkerRejected, map[string]any{
		"path":  rel,
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	}))
}

func (s *Set) remove(ctx context.Context, name string) {
	s.mu.Lock()
	w, ok := s.workers[name]
	delete(s.workers, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	ctx = core.WithWorker(ctx, name)
	s.logger.InfoContext(ctx, "worker.removed", slog.String("worker", name))
	s.events.Emit(ctx, core.NewEvent(ctx, core.EventWorkerRemoved, map[string]any{"path": w.Path}))
}

// matches reports whether a path relative to the directory is a worker
// script under the configured pattern.
func (s *Set) matches(rel string) bool {
	if strings.HasSuffix(rel, "_test.go") {
		return false
	}
	ok, err := doublestar.Match(s.pattern, filepath.ToSlash(rel))
	return err == nil && ok
}
