package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// Segment calls take anywhere from under a second to several minutes.
var segmentLatencyBuckets = []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600}

// setupTelemetry installs global trace and meter providers for the
// transcription pipeline. The returned handler serves /metrics and may be nil.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	logger = logger.With(slog.String("component", "telemetry"))
	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := newTraceProvider(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricsHandler := newMeterProvider(res, prometheus.NewRegistry(), logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}
	return shutdown, metricsHandler, nil
}

// serviceResource tags every span and series with the service and the
// backends it transcribes with.
func serviceResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("loqa.transcribe.mode", cfg.Transcription.Mode),
			attribute.String("loqa.transcribe.model", cfg.Transcription.Model),
			attribute.String("loqa.transcribe.codec", cfg.Audio.Codec),
		),
	)
}

func newTraceProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		otlp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		exporter = otlp
		logger.Info("tracing to otlp", slog.String("endpoint", endpoint))
	} else {
		// stdout carries the JSON log stream.
		stdout, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, err
		}
		exporter = stdout
		logger.Info("tracing to stderr")
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// newMeterProvider exports pipeline instruments plus Go runtime and process
// collectors through reg. Without an exporter the provider still records
// but no handler is returned.
func newMeterProvider(res *resource.Resource, reg *prometheus.Registry, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	latencyView := sdkmetric.NewView(
		sdkmetric.Instrument{Name: pipeline.MetricSegmentDuration},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: segmentLatencyBuckets}},
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithView(latencyView)), nil
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(latencyView),
	)
	return provider, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
