// Package telemetry configures OpenTelemetry tracing for the proxy.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Sternrassler/movierec-proxy/internal/config"
)

const (
	exporterTypeStdOut = "stdout"
	exporterTypeNone   = "none"
)

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(context.Context) error

// NewTracerProvider creates the tracer provider and installs it globally
// together with the W3C propagators. When tracing is disabled a no-op
// provider is returned.
func NewTracerProvider(appConfig config.App, telemetryConfig config.Telemetry) (trace.TracerProvider, ShutdownFunc, error) {
	if !telemetryConfig.Enabled {
		return NewNoopTracerProvider(), func(context.Context) error { return nil }, nil
	}

	return newSDKProvider(appConfig, telemetryConfig, os.Stdout)
}

func newSDKProvider(appConfig config.App, telemetryConfig config.Telemetry, out io.Writer) (trace.TracerProvider, ShutdownFunc, error) {
	ctx := context.Background()

	exporter, err := createExporter(telemetryConfig, out)
	if err != nil {
		return nil, nil, err
	}

	hostName, err := os.Hostname()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get host name: %w", err)
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			attribute.String("service.name", appConfig.ServiceName),
			attribute.String("service.version", config.ServiceVersion),
			attribute.String("env", appConfig.Environment),
			attribute.String("host", hostName),
			attribute.String("commit_sha", config.CommitSHA),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	sampler := sdktrace.TraceIDRatioBased(telemetryConfig.SamplerRatio)
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sampler,
			sdktrace.WithRemoteParentSampled(sampler),
		)),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, tp.Shutdown, nil
}

// NewNoopTracerProvider creates a no-op tracer provider for when tracing is disabled.
func NewNoopTracerProvider() trace.TracerProvider {
	return noop.NewTracerProvider()
}

func createExporter(cfg config.Telemetry, out io.Writer) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.ExporterType) {
	case exporterTypeStdOut:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create an StdOut trace exporter: %w", err)
		}
		return exporter, nil
	case exporterTypeNone:
		// Spans are still created and propagated, only not exported.
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type %q", cfg.ExporterType)
	}
}
