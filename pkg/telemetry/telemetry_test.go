package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/errors"
)

func TestInitWithoutExporter(t *testing.T) {
	p, err := InitWithConfig("test-service", "v0.0.1", Config{Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("InitWithConfig failed: %v", err)
	}
	if p.MetricsHandler != nil {
		t.Error("no metrics handler is expected without the prometheus exporter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitWithConfigRejectsUnknownExporter(t *testing.T) {
	if _, err := InitWithConfig("svc", "v0", Config{Exporter: "carrier-pigeon"}); !errors.IsCode(err, errors.CodeInvalidParams) {
		t.Fatalf("expected INVALID_PARAMS for an unknown exporter, got %v", err)
	}
	if _, err := InitWithConfig("svc", "v0", Config{Exporter: ExporterOTLP}); !errors.IsCode(err, errors.CodeInvalidParams) {
		t.Fatalf("expected INVALID_PARAMS for otlp without endpoint, got %v", err)
	}
}

func TestPrometheusExporterServesMetrics(t *testing.T) {
	p, err := InitWithConfig("svc", "v0", Config{Exporter: "prometheus"})
	if err != nil {
		t.Fatalf("InitWithConfig failed: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.MetricsHandler == nil {
		t.Fatal("expected a metrics handler for the prometheus exporter")
	}

	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordCall(context.Background(), "raven/kv", "get", "hosted", "result")

	rec := httptest.NewRecorder()
	p.MetricsHandler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "dispatch") || !strings.Contains(body, "raven") {
		t.Errorf("expected the dispatch call counter in exposition, got:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordCall(ctx, "ns", "m", "pure", "result")
	m.RecordCallDuration(ctx, "ns", "m", 1)
	m.RecordLateResponse(ctx, "ns", "m")
	m.RecordRequest(ctx, 200, "Closed")
	m.RecordError(ctx, errors.New(errors.CodeTimeout, "x", nil), "dispatch")
	m.RecordBreakerState(ctx, "ns", 2)
}

func TestLoggerStampsExchange(t *testing.T) {
	if _, err := InitWithConfig("svc", "v0", Config{Exporter: "none"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", "json")

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	ctx = core.WithRequestID(ctx, "req-1")
	ctx = core.WithWorker(ctx, "users")

	logger.InfoContext(ctx, "lifecycle.request.start", slog.String("worker", "explicit"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["request_id"] != "req-1" || record["worker"] != "explicit" {
		t.Errorf("expected request_id and worker attrs, got %v", record)
	}
	if record["trace_id"] == nil || record["span_id"] == nil {
		t.Errorf("expected trace ids in record, got %v", record)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
