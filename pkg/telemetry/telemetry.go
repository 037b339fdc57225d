// Package telemetry wires OpenTelemetry tracing and metrics, the exchange
// aware slog handler, and the metric instruments used by dispatch and
// lifecycle.
package telemetry

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fe1fan/raven/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

const exportInterval = time.Minute

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

// Config selects where spans and metrics go.
type Config struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

// Providers bundles what InitWithConfig installed globally.
type Providers struct {
	Shutdown ShutdownFunc
	// MetricsHandler serves the Prometheus registry. Nil unless the
	// prometheus exporter is selected.
	MetricsHandler http.Handler
}

// pipeline is what one exporter choice contributes. A nil span exporter
// keeps spans in process so trace ids still reach the logs.
type pipeline struct {
	spans   trace.SpanExporter
	reader  metric.Reader
	handler http.Handler
}

// InitWithConfig installs global tracer and meter providers for the
// selected exporter and the W3C trace context propagator.
func InitWithConfig(serviceName, version string, cfg Config) (*Providers, error) {
	p, err := newPipeline(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "telemetry resource", err)
	}

	topts := []trace.TracerProviderOption{trace.WithResource(res)}
	if p.spans != nil {
		topts = append(topts, trace.WithBatcher(p.spans, trace.WithBatchTimeout(time.Second)))
	}
	tp := trace.NewTracerProvider(topts...)

	mopts := []metric.Option{metric.WithResource(res)}
	if p.reader != nil {
		mopts = append(mopts, metric.WithReader(p.reader))
	}
	mp := metric.NewMeterProvider(mopts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func(ctx context.Context) error {
		return stderrors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return &Providers{Shutdown: shutdown, MetricsHandler: p.handler}, nil
}

func newPipeline(ctx context.Context, cfg Config) (pipeline, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		return pipeline{}, nil

	case ExporterStdout:
		spans, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return pipeline{}, exporterError(cfg.Exporter, err)
		}
		metrics, err := stdoutmetric.New()
		if err != nil {
			return pipeline{}, exporterError(cfg.Exporter, err)
		}
		return pipeline{
			spans:  spans,
			reader: metric.NewPeriodicReader(metrics, metric.WithInterval(exportInterval)),
		}, nil

	case ExporterOTLP:
		if cfg.OTLPEndpoint == "" {
			return pipeline{}, errors.New(errors.CodeInvalidParams,
				"telemetry.otlp_endpoint is required for the otlp exporter", nil)
		}
		topts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		mopts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			topts = append(topts, otlptracegrpc.WithInsecure())
			mopts = append(mopts, otlpmetricgrpc.WithInsecure())
		}
		spans, err := otlptracegrpc.New(ctx, topts...)
		if err != nil {
			return pipeline{}, exporterError(cfg.Exporter, err)
		}
		metrics, err := otlpmetricgrpc.New(ctx, mopts...)
		if err != nil {
			_ = spans.Shutdown(ctx)
			return pipeline{}, exporterError(cfg.Exporter, err)
		}
		return pipeline{
			spans:  spans,
			reader: metric.NewPeriodicReader(metrics, metric.WithInterval(exportInterval)),
		}, nil

	case ExporterPrometheus:
		registry := prometheus.NewRegistry()
		reader, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return pipeline{}, exporterError(cfg.Exporter, err)
		}
		return pipeline{
			reader:  reader,
			handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}, nil

	default:
		return pipeline{}, errors.New(errors.CodeInvalidParams,
			fmt.Sprintf("unknown telemetry exporter %q", cfg.Exporter), nil).
			WithContext("accepted", []string{ExporterNone, ExporterStdout, ExporterOTLP, ExporterPrometheus})
	}
}

func exporterError(name string, err error) error {
	return errors.New(errors.CodeInternal, fmt.Sprintf("create %s exporter", name), err)
}
