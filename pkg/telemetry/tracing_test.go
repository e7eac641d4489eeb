package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerConfig{})
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestStartSpanAttributes(t *testing.T) {
	rec := withRecorder(t)

	_, span := StartSpan(context.Background(), "sandbox.run", attribute.String("sandbox.language", "python"))
	EndSpan(span, nil)

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	s := ended[0]
	if s.Name() != "sandbox.run" {
		t.Errorf("name = %q", s.Name())
	}
	if s.Status().Code == codes.Error {
		t.Error("status = error for a nil err")
	}
	found := false
	for _, kv := range s.Attributes() {
		if kv.Key == "sandbox.language" && kv.Value.AsString() == "python" {
			found = true
		}
	}
	if !found {
		t.Errorf("attributes = %v, want sandbox.language=python", s.Attributes())
	}
}

func TestEndSpanRecordsError(t *testing.T) {
	rec := withRecorder(t)

	_, span := StartSpan(context.Background(), "orchestrator.dispatch")
	EndSpan(span, errors.New("worker unavailable"))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	s := ended[0]
	if s.Status().Code != codes.Error || s.Status().Description != "worker unavailable" {
		t.Errorf("status = %+v", s.Status())
	}
	if len(s.Events()) == 0 || s.Events()[0].Name != "exception" {
		t.Errorf("events = %v, want a recorded exception", s.Events())
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		got := sampler(tt.ratio).Description()
		want := "ParentBased{root:" + tt.want
		if len(got) < len(want) || got[:len(want)] != want {
			t.Errorf("sampler(%g) = %q, want prefix %q", tt.ratio, got, want)
		}
	}
}
