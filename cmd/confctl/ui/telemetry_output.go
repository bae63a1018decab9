package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"confctl/internal/telemetry"
)

// TelemetryOutput renders deploy spans as per-phase, per-host progress: a
// live checklist on interactive terminals, one line per change otherwise.
type TelemetryOutput struct {
	provider *sdktrace.TracerProvider
	closeFn  func()
}

func NewTelemetryOutput() *TelemetryOutput {
	var (
		report  func(stepSnapshot)
		closeFn = func() {}
	)
	if IsInteractive() {
		checklist := NewChecklist()
		report, closeFn = checklist.OnSnapshot, checklist.Close
	} else {
		report = newLineTelemetry(os.Stderr).OnSnapshot
	}
	observer := newStepObserver(report)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&stepSpanProcessor{observer: observer}))
	return &TelemetryOutput{provider: provider, closeFn: closeFn}
}

func (o *TelemetryOutput) Tracer(name string) trace.Tracer {
	if o == nil || o.provider == nil {
		return otel.Tracer(name)
	}
	return o.provider.Tracer(name)
}

func (o *TelemetryOutput) Close() {
	if o == nil {
		return
	}
	if o.provider != nil {
		_ = o.provider.Shutdown(context.Background())
	}
	o.closeFn()
}

// lineTelemetry prints a row each time its status or message changes.
// Pending rows are not printed.
type lineTelemetry struct {
	out  io.Writer
	mu   sync.Mutex
	last map[string]stepState
}

func newLineTelemetry(out io.Writer) *lineTelemetry {
	return &lineTelemetry{out: out, last: make(map[string]stepState)}
}

func (l *lineTelemetry) OnSnapshot(snapshot stepSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, step := range snapshot.Steps {
		if step.Status == stepPending {
			continue
		}
		if prev, ok := l.last[step.ID]; ok && prev.Status == step.Status && prev.Message == step.Message {
			continue
		}
		l.last[step.ID] = step
		fmt.Fprintln(l.out, formatStepLine(step, step.Message))
	}
}

func formatStepLine(step stepState, msg string) string {
	prefix := "[..]"
	switch step.Status {
	case stepRunning:
		prefix = "[->]"
	case stepDone:
		prefix = "[ok]"
	case stepSkipped:
		prefix = "[--]"
	case stepFailed:
		prefix = "[x]"
	}

	line := stepIndent(step) + prefix + " " + step.Title
	if msg != "" {
		line += " (" + msg + ")"
	}
	return line
}

// stepObserver keeps the rows of the current plan. Host rows follow their
// spans; phase rows are derived from their hosts. Spans that are not in
// the plan are not drawn.
type stepObserver struct {
	mu     sync.Mutex
	steps  []stepState
	index  map[string]int
	report func(stepSnapshot)
}

func newStepObserver(report func(stepSnapshot)) *stepObserver {
	return &stepObserver{index: make(map[string]int), report: report}
}

func (o *stepObserver) onPlan(plan telemetry.Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.steps = make([]stepState, 0, len(plan.Steps))
	o.index = make(map[string]int, len(plan.Steps))
	for _, planned := range plan.Steps {
		o.index[planned.ID] = len(o.steps)
		o.steps = append(o.steps, stepState{
			ID:       planned.ID,
			ParentID: planned.ParentID,
			Title:    planned.Title,
			Status:   stepPending,
		})
	}
	o.emitLocked()
}

func (o *stepObserver) set(id string, status stepStatus, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	i, ok := o.index[id]
	if !ok {
		return
	}
	o.steps[i].Status = status
	o.steps[i].Message = msg
	o.emitLocked()
}

func (o *stepObserver) emitLocked() {
	if o.report == nil {
		return
	}

	hosts := make(map[string][]stepState)
	for _, step := range o.steps {
		if step.ParentID != "" {
			hosts[step.ParentID] = append(hosts[step.ParentID], step)
		}
	}

	steps := make([]stepState, len(o.steps))
	copy(steps, o.steps)
	for i, step := range steps {
		if children, ok := hosts[step.ID]; ok {
			t := tallyHosts(children)
			steps[i].Status = t.status()
			steps[i].Message = t.String()
		}
	}
	o.report(stepSnapshot{Steps: steps})
}

// stepSpanProcessor feeds an operation's spans to a stepObserver. The root
// span carries the plan; its children are steps.
type stepSpanProcessor struct {
	observer *stepObserver
}

func (p *stepSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if span.Parent().IsValid() {
		p.observer.set(span.Name(), stepRunning, "")
		return
	}

	attrs := attribute.NewSet(span.Attributes()...)
	v, ok := attrs.Value(telemetry.PlanJSONKey)
	if !ok {
		return
	}
	var plan telemetry.Plan
	if err := json.Unmarshal([]byte(v.AsString()), &plan); err != nil {
		return
	}
	p.observer.onPlan(plan)
}

func (p *stepSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if !span.Parent().IsValid() {
		return
	}

	attrs := attribute.NewSet(span.Attributes()...)
	skipped, _ := attrs.Value(telemetry.SkippedKey)
	switch {
	case span.Status().Code == codes.Error:
		p.observer.set(span.Name(), stepFailed, span.Status().Description)
	case skipped.AsBool():
		p.observer.set(span.Name(), stepSkipped, "")
	default:
		p.observer.set(span.Name(), stepDone, "")
	}
}

func (p *stepSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *stepSpanProcessor) ForceFlush(context.Context) error { return nil }
