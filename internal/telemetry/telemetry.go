// Package telemetry manages the OpenTelemetry tracer provider for the
// controller. Spans are derived from lifecycle events on the bus (see
// Bridge), so the subsystems that do the work stay tracing-free.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter names accepted by Config.Exporter.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Defaults applied when the corresponding Config field is zero.
const (
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultServiceName  = "drover"
	DefaultSampleRate   = 1.0
)

// scopeName identifies the instrumentation scope on every span.
const scopeName = "github.com/droverhq/drover/internal/telemetry"

// Config controls tracing behavior.
type Config struct {
	// Enabled turns tracing on. When false every span is a no-op.
	Enabled bool `yaml:"enabled"`

	// Exporter selects where spans go: "stdout" or "otlp".
	// Empty defaults to "stdout".
	Exporter string `yaml:"exporter"`

	// OTLPEndpoint is the gRPC collector address for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// SampleRate is the fraction of traces to sample, in (0, 1].
	// Zero defaults to 1.0 (sample everything).
	SampleRate float64 `yaml:"sample_rate"`

	// ServiceName is the service.name resource attribute.
	ServiceName string `yaml:"service_name"`
}

func (c Config) withDefaults() Config {
	if c.Exporter == "" {
		c.Exporter = ExporterStdout
	}
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = DefaultOTLPEndpoint
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	return c
}

// Provider owns the tracer provider lifecycle. The zero value is not
// usable; construct with New.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// New builds a provider from config. Disabled config yields a no-op
// tracer and a nil-safe Shutdown. Enabled config installs the provider
// as the process-global one so third-party instrumentation picks it up.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(scopeName)}, nil
	}
	cfg = cfg.withDefaults()

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		provider: tp,
		tracer:   tp.Tracer(scopeName),
		enabled:  true,
	}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("telemetry: unknown exporter %q", cfg.Exporter)
	}
}

// Tracer returns the tracer for creating spans. Never nil.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Enabled reports whether spans are actually recorded.
func (p *Provider) Enabled() bool {
	return p.enabled
}

// Shutdown flushes buffered spans and releases exporter resources.
// Safe to call on a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
