package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/colorfulnotion/evmloader/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracingConfig selects where controller spans are exported.
type TracingConfig struct {
	Endpoint    string  // http(s)://host[:port][/path]; empty disables tracing
	SampleRatio float64 // in [0, 1]
	InstanceID  string
}

// Tracing owns the installed tracer provider.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown() error {
	if t == nil || t.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.provider.Shutdown(ctx); err != nil {
		log.Error(log.TelemetryMonitoring, "failed to stop tracing", "err", err)
		return err
	}
	log.Debug(log.TelemetryMonitoring, "tracing stopped")
	return nil
}

// StartTracing installs a global OTLP/HTTP tracer provider. A nil Tracing and
// nil error mean tracing is disabled.
func StartTracing(ctx context.Context, cfg TracingConfig, serviceName string) (*Tracing, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("invalid sample ratio: %f", cfg.SampleRatio)
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid tracing endpoint URL: %w", err)
	}
	var exporter sdktrace.SpanExporter
	switch u.Scheme {
	case "http", "https":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(u.Host)}
		if u.Scheme == "http" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if u.Path != "" && u.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(u.Path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported tracing url scheme: %s", u.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing exporter: %w", err)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", serviceName)}
	if cfg.InstanceID != "" {
		attrs = append(attrs, attribute.String("service.instance.id", cfg.InstanceID))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.Info(log.TelemetryMonitoring, "tracing enabled", "endpoint", cfg.Endpoint, "ratio", cfg.SampleRatio)
	return &Tracing{provider: tp}, nil
}
