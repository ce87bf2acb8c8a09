package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	original := GetTracer()
	SetTracer(tp.Tracer("test"))
	t.Cleanup(func() { SetTracer(original) })
	return rec
}

func TestStartFiringSpan(t *testing.T) {
	rec := withRecorder(t)

	_, span := StartFiringSpan(context.Background(), "API-JOB-1", "pf1", "api", "system")
	SetSpanOK(span)
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "job.fire" {
		t.Errorf("unexpected span name %s", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("expected ok status, got %v", spans[0].Status())
	}
}

func TestRecordError(t *testing.T) {
	rec := withRecorder(t)

	_, span := StartDeliverySpan(context.Background(), "ops")
	RecordError(span, errors.New("boom"))
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error || spans[0].Status().Description != "boom" {
		t.Errorf("unexpected status %v", spans[0].Status())
	}
}

func TestInitProvider_Disabled(t *testing.T) {
	p, err := InitProvider(context.Background(), DefaultConfig(), "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}
