package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestEmitPlanAndRunStepSuccess(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	var plan Plan
	copyID := plan.Add("", "copy", "copy closures")
	hostID := plan.Add(copyID, "web1", "web1")
	if hostID != "copy/web1" {
		t.Fatalf("Add() = %q, want copy/web1", hostID)
	}

	op, err := EmitPlan(context.Background(), tracer, "deploy", "run-1", plan)
	if err != nil {
		t.Fatalf("EmitPlan() error = %v", err)
	}
	if err := op.RunStep(op.Context(), hostID, func(context.Context) error { return nil }, Host("web1")); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	op.End(nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended span count = %d, want 2", len(spans))
	}

	root := findSpanByName(spans, "deploy")
	if root == nil {
		t.Fatal("missing root span")
	}
	if len(root.Events()) == 0 || root.Events()[0].Name != PlanEventName {
		t.Fatal("expected root plan event")
	}
	if getAttr(root.Attributes(), RunIDKey) != "run-1" {
		t.Fatalf("run id = %q", getAttr(root.Attributes(), RunIDKey))
	}

	child := findSpanByName(spans, hostID)
	if child == nil {
		t.Fatal("missing child step span")
	}
	if child.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Fatalf("step parent span id = %s, want %s", child.Parent().SpanID(), root.SpanContext().SpanID())
	}
	if getAttr(child.Attributes(), HostKey) != "web1" {
		t.Fatalf("step host = %q", getAttr(child.Attributes(), HostKey))
	}
}

func TestRunStepFailureSetsErrorStatus(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	op, err := EmitPlan(context.Background(), tracer, "deploy", "", Plan{Steps: []PlannedStep{{ID: "activate", Title: "activate"}}})
	if err != nil {
		t.Fatalf("EmitPlan() error = %v", err)
	}

	boom := errors.New("boom")
	err = op.RunStep(op.Context(), "activate", func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("RunStep() error = %v, want boom", err)
	}
	op.SkipStep(op.Context(), "activate", "declined")
	op.End(err)

	spans := recorder.Ended()
	var failed, skipped sdktrace.ReadOnlySpan
	for _, s := range spans {
		if s.Name() != "activate" {
			continue
		}
		if s.Status().Code == codes.Error {
			failed = s
		} else {
			skipped = s
		}
	}
	if failed == nil || failed.Status().Description != "boom" {
		t.Fatal("missing failed step span")
	}
	if skipped == nil {
		t.Fatal("missing skipped step span")
	}
	found := false
	for _, kv := range skipped.Attributes() {
		if string(kv.Key) == SkippedKey && kv.Value.AsBool() {
			found = true
		}
	}
	if !found {
		t.Fatal("skipped span lacks skipped attribute")
	}
}

func TestNilOperationRunsStepsUntraced(t *testing.T) {
	t.Parallel()

	var op *Operation
	called := false
	if err := op.RunStep(context.Background(), "x", func(context.Context) error { called = true; return nil }); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	op.SkipStep(context.Background(), "x", "")
	op.End(nil)
	if !called {
		t.Fatal("step function not called")
	}
}

func TestEmitPlanValidationFailure(t *testing.T) {
	t.Parallel()

	tracer, _ := newTestTracer()
	_, err := EmitPlan(context.Background(), tracer, "deploy", "", Plan{Steps: []PlannedStep{
		{ID: "copy", Title: "copy"},
		{ID: "copy", Title: "duplicated"},
	}})
	if err == nil {
		t.Fatal("EmitPlan() error = nil, want duplicate id error")
	}
	_, err = EmitPlan(context.Background(), tracer, "deploy", "", Plan{Steps: []PlannedStep{{ID: "copy/web1", ParentID: "copy"}}})
	if err == nil {
		t.Fatal("EmitPlan() error = nil, want missing parent error")
	}
}

func newTestTracer() (trace.Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return provider.Tracer("telemetry-test"), recorder
}

func findSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func getAttr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
