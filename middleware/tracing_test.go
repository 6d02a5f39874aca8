package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	mw "github.com/xraph/jobq/middleware"
)

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func TestTracing_SpanAttributes(t *testing.T) {
	sr, tracer := setupTestTracer()
	j := newTestJob()

	_ = mw.TracingWithTracer(tracer)(context.Background(), j, func(_ context.Context) error {
		return nil
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "jobq.job.execute" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("expected status Ok, got %v", spans[0].Status().Code)
	}

	attrMap := map[string]any{}
	for _, a := range spans[0].Attributes() {
		switch a.Value.Type() {
		case attribute.STRING:
			attrMap[string(a.Key)] = a.Value.AsString()
		case attribute.INT64:
			attrMap[string(a.Key)] = a.Value.AsInt64()
		}
	}
	expected := map[string]any{
		"jobq.job.id":       j.ID.String(),
		"jobq.queue":        "send-email",
		"jobq.attempt":      int64(3),
		"jobq.max_attempts": int64(5),
	}
	for key, want := range expected {
		if got, ok := attrMap[key]; !ok || got != want {
			t.Errorf("attribute %q = %v, want %v", key, got, want)
		}
	}
}

func TestTracing_Error_SetsErrorStatus(t *testing.T) {
	sr, tracer := setupTestTracer()

	handlerErr := errors.New("handler failed")
	err := mw.TracingWithTracer(tracer)(context.Background(), newTestJob(), func(_ context.Context) error {
		return handlerErr
	})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error, got %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected status Error, got %v", spans[0].Status().Code)
	}
	found := false
	for _, ev := range spans[0].Events() {
		if ev.Name == "exception" {
			found = true
		}
	}
	if !found {
		t.Error("expected 'exception' event to be recorded on span")
	}
}

func TestTracing_PropagatesContext(t *testing.T) {
	sr, tracer := setupTestTracer()

	var handlerSpanCtx trace.SpanContext
	_ = mw.TracingWithTracer(tracer)(context.Background(), newTestJob(), func(ctx context.Context) error {
		handlerSpanCtx = trace.SpanFromContext(ctx).SpanContext()
		return nil
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if !handlerSpanCtx.IsValid() || handlerSpanCtx.TraceID() != spans[0].SpanContext().TraceID() {
		t.Error("handler did not receive the middleware span context")
	}
}

func TestTracing_DefaultNoopSafe(t *testing.T) {
	called := false
	err := mw.Tracing()(context.Background(), newTestJob(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("err = %v, called = %v", err, called)
	}
}
