// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fsnotify/fsnotify"
)

// ChangeFunc receives a reloaded configuration and the top-level sections
// (koanf keys such as "governance") that differ from the previous one.
type ChangeFunc func(cfg *Config, changed []string)

// Watcher reloads the configuration when its file or profile overlay
// changes. A reload that fails to parse or validate keeps the previous
// configuration.
type Watcher struct {
	path      string
	profile   string
	overrides map[string]string
	files     map[string]bool
	debounce  time.Duration
	logger    *slog.Logger

	mu        sync.RWMutex
	config    *Config
	listeners []ChangeFunc
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets how long writes must settle before a reload.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithWatchProfile reloads with the given profile overlay, which is watched
// as well.
func WithWatchProfile(profile string) WatcherOption {
	return func(w *Watcher) { w.profile = profile }
}

// WithWatchOverrides re-applies key=value overrides on every reload.
func WithWatchOverrides(overrides map[string]string) WatcherOption {
	return func(w *Watcher) { w.overrides = overrides }
}

// NewWatcher loads the configuration at path and prepares to watch it.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New(errors.CodeInvalidParams, "config watcher needs a file path", nil)
	}
	w := &Watcher{
		path:     path,
		debounce: 100 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.files = map[string]bool{filepath.Clean(path): true}
	if w.profile != "" {
		w.files[filepath.Clean(ProfileConfigPath(path, w.profile))] = true
	}

	cfg, err := LoadWithOverrides(w.path, w.profile, w.overrides)
	if err != nil {
		return nil, err
	}
	w.config = cfg
	return w, nil
}

// OnChange registers fn for every successful reload that changed something.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Run watches until ctx is done. The directories holding the files are
// watched, not the files, so editors that replace files on save are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.New(errors.CodeInternal, "config watcher", err)
	}
	defer fsw.Close()

	dirs := make(map[string]bool)
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for d := range dirs {
		if err := fsw.Add(d); err != nil {
			return errors.New(errors.CodeInvalidParams, "watch config directory", err).WithContext("dir", d)
		}
	}
	w.logger.InfoContext(ctx, "config.watch.start", slog.String("path", w.path))

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.files[filepath.Clean(ev.Name)] && !ev.Has(fsnotify.Chmod) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.ErrorContext(ctx, "config.watch.error", slog.String("error", err.Error()))
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := LoadWithOverrides(w.path, w.profile, w.overrides)
	if err != nil {
		w.logger.ErrorContext(ctx, "config.reload.rejected",
			slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	changed := ChangedSections(w.config, cfg)
	if len(changed) == 0 {
		w.mu.Unlock()
		return
	}
	w.config = cfg
	listeners := append([]ChangeFunc(nil), w.listeners...)
	w.mu.Unlock()

	w.logger.InfoContext(ctx, "config.reloaded", slog.String("path", w.path), slog.Any("sections", changed))
	for _, fn := range listeners {
		fn(cfg, changed)
	}
}

// ChangedSections lists the koanf keys of the top-level sections that
// differ between a and b, in declaration order.
func ChangedSections(a, b *Config) []string {
	va, vb := reflect.ValueOf(a).Elem(), reflect.ValueOf(b).Elem()
	t := va.Type()
	var out []string
	for i := 0; i < t.NumField(); i++ {
		if !reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			out = append(out, t.Field(i).Tag.Get("koanf"))
		}
	}
	return out
}
