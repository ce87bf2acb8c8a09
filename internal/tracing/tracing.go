// Package tracing provides OpenTelemetry spans for firings, probes and
// alert deliveries.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name.
const TracerName = "github.com/moniwatch/moniwatch"

// Config holds tracing configuration.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// DefaultConfig returns tracing disabled with a local OTLP endpoint.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "moniwatch",
		Endpoint:    "localhost:4318",
		SampleRate:  1.0,
	}
}

var tracer = otel.Tracer(TracerName)

// GetTracer returns the package tracer.
func GetTracer() trace.Tracer {
	return tracer
}

// SetTracer replaces the package tracer (used by tests).
func SetTracer(t trace.Tracer) {
	tracer = t
}

// Span attribute keys.
var (
	AttrJobCode  = attribute.Key("moniwatch.job.code")
	AttrJobGroup = attribute.Key("moniwatch.job.group")
	AttrJobKind  = attribute.Key("moniwatch.job.kind")
	AttrOperator = attribute.Key("moniwatch.operator")
	AttrChannel  = attribute.Key("moniwatch.alert.channel")
	AttrTarget   = attribute.Key("moniwatch.probe.target")
	AttrStatus   = attribute.Key("moniwatch.log.status")
)

// StartFiringSpan starts the span around one job firing.
func StartFiringSpan(ctx context.Context, code, group, kind, operator string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "job.fire",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrJobCode.String(code),
			AttrJobGroup.String(group),
			AttrJobKind.String(kind),
			AttrOperator.String(operator),
		),
	)
}

// StartProbeSpan starts the span around a domain check call.
func StartProbeSpan(ctx context.Context, kind, target string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "probe."+kind,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrTarget.String(target)),
	)
}

// StartDeliverySpan starts the span around an alert delivery.
func StartDeliverySpan(ctx context.Context, channel string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "alert.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrChannel.String(channel)),
	)
}

// RecordError records err on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Propagator returns the W3C trace-context and baggage propagator.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}
