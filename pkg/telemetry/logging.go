// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/fe1fan/raven/pkg/core"
	"go.opentelemetry.io/otel/trace"
)

// ConfigureSlog builds the process logger and installs it as the slog
// default.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	logger := NewLogger(output, level, format)
	slog.SetDefault(logger)
	return logger
}

// NewLogger builds a logger whose records carry the exchange they belong
// to: request_id and worker from the context, plus trace_id and span_id
// when a span is recording.
func NewLogger(output io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(level)}
	var base slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		base = slog.NewJSONHandler(output, opts)
	} else {
		base = slog.NewTextHandler(output, opts)
	}
	return slog.New(&exchangeHandler{next: base})
}

type exchangeHandler struct {
	next slog.Handler
}

func (h *exchangeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *exchangeHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx == nil {
		return h.next.Handle(ctx, record)
	}
	add := func(key, value string) {
		if value != "" && !hasAttr(record, key) {
			record.AddAttrs(slog.String(key, value))
		}
	}
	if id, ok := core.RequestID(ctx); ok {
		add("request_id", id)
	}
	add("worker", core.Worker(ctx))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		add("trace_id", sc.TraceID().String())
		add("span_id", sc.SpanID().String())
	}
	return h.next.Handle(ctx, record)
}

func (h *exchangeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &exchangeHandler{next: h.next.WithAttrs(attrs)}
}

func (h *exchangeHandler) WithGroup(name string) slog.Handler {
	return &exchangeHandler{next: h.next.WithGroup(name)}
}

// ParseLogLevel maps a configured level name to a slog level. Unknown
// names log at info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func hasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(a slog.Attr) bool {
		found = a.Key == key
		return !found
	})
	return found
}
