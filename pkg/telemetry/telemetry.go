// Package telemetry wires OpenTelemetry tracing for the answer core. A
// Manager owns the tracer provider; package-level helpers operate on a
// process-wide default so call sites stay one-liners.
package telemetry

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/cexll/answercore"

const redactedMask = "***REDACTED***"

// secretPatterns matches credential-looking substrings in span attributes.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sk-[a-z0-9-_]{8,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|authorization|bearer)\s*[=:]\s*\S+`),
}

// Config controls exporter wiring.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP/HTTP collector host:port. Empty disables export
	// and spans become no-ops.
	Endpoint string
	Insecure bool
}

// Manager owns the tracer provider lifecycle.
type Manager struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

var defaultManager atomic.Pointer[Manager]

// NewManager builds a Manager. With no endpoint configured it returns a
// manager backed by a no-op tracer so instrumentation stays zero-cost.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Endpoint == "" {
		return &Manager{tracer: noop.NewTracerProvider().Tracer(tracerName)}, nil
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create otlp exporter: %w", err)
	}
	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return &Manager{tracer: provider.Tracer(tracerName), provider: provider}, nil
}

// Shutdown flushes pending spans.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// SetDefault installs m as the process-wide manager used by StartSpan.
func SetDefault(m *Manager) {
	defaultManager.Store(m)
}

// StartSpan opens a span on the default manager's tracer. Safe before
// SetDefault: it falls back to a no-op tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if m := defaultManager.Load(); m != nil && m.tracer != nil {
		return m.tracer.Start(ctx, name, opts...)
	}
	return noop.NewTracerProvider().Tracer(tracerName).Start(ctx, name, opts...)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SanitizeAttributes masks credential-looking values before they attach to a
// span and drops attributes with empty string values.
func SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		if kv.Value.Type() == attribute.STRING {
			v := kv.Value.AsString()
			if v == "" {
				continue
			}
			for _, pat := range secretPatterns {
				v = pat.ReplaceAllString(v, redactedMask)
			}
			out = append(out, attribute.String(string(kv.Key), v))
			continue
		}
		out = append(out, kv)
	}
	return out
}
