// Package tracing wraps pipeline activity in OpenTelemetry spans.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer creates pipeline spans. A nil *Tracer is valid and records nothing.
type Tracer struct {
	tracer trace.Tracer
}

// New wraps provider. A nil provider yields a noop tracer.
func New(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer("github.com/vinayprograms/pipeline")}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRun starts the root span for a run.
func (t *Tracer) StartRun(ctx context.Context, projectID, runID string, stages int) (context.Context, trace.Span) {
	return t.start(ctx, "pipeline.run",
		attribute.String("pipeline.project", projectID),
		attribute.String("pipeline.run_id", runID),
		attribute.Int("pipeline.stages", stages),
	)
}

// EndRun ends the run span with the terminal state.
func (t *Tracer) EndRun(span trace.Span, state string, costUSD float64, err error) {
	span.SetAttributes(
		attribute.String("pipeline.state", state),
		attribute.Float64("pipeline.cost_usd", costUSD),
	)
	end(span, err)
}

// StartStage starts a span for one stage.
func (t *Tracer) StartStage(ctx context.Context, position int, members []string) (context.Context, trace.Span) {
	return t.start(ctx, "pipeline.stage",
		attribute.Int("stage.position", position),
		attribute.StringSlice("stage.members", members),
	)
}

// EndStage ends the stage span.
func (t *Tracer) EndStage(span trace.Span, costUSD float64) {
	span.SetAttributes(attribute.Float64("stage.cost_usd", costUSD))
	span.End()
}

// StartStep starts a span for one step invocation.
func (t *Tracer) StartStep(ctx context.Context, key string, attempt int) (context.Context, trace.Span) {
	return t.start(ctx, "pipeline.step",
		attribute.String("step.id", key),
		attribute.Int("step.attempt", attempt),
	)
}

// EndStep ends the step span with its outcome. Statuses other than
// completed, partial and dry_run mark the span as an error.
func (t *Tracer) EndStep(span trace.Span, status string, costUSD float64, turns int, errMsg string) {
	span.SetAttributes(
		attribute.String("step.status", status),
		attribute.Float64("step.cost_usd", costUSD),
		attribute.Int("step.turns", turns),
	)
	switch status {
	case "completed", "partial", "dry_run":
	default:
		span.SetStatus(codes.Error, errMsg)
	}
	span.End()
}

// StartGate starts a span for a validation gate evaluation.
func (t *Tracer) StartGate(ctx context.Context, projectID string, override bool) (context.Context, trace.Span) {
	return t.start(ctx, "pipeline.gate",
		attribute.String("gate.project", projectID),
		attribute.Bool("gate.override_requested", override),
	)
}

// EndGate ends the gate span with the resulting code.
func (t *Tracer) EndGate(span trace.Span, code int, overridden bool, err error) {
	span.SetAttributes(
		attribute.Int("gate.code", code),
		attribute.Bool("gate.overridden", overridden),
	)
	end(span, err)
}

// StartScan starts a span for the security pre-scan.
func (t *Tracer) StartScan(ctx context.Context, root string) (context.Context, trace.Span) {
	return t.start(ctx, "pipeline.scan", attribute.String("scan.root", root))
}

// EndScan ends the scan span.
func (t *Tracer) EndScan(span trace.Span, warnings int, blocked bool, err error) {
	span.SetAttributes(
		attribute.Int("scan.warnings", warnings),
		attribute.Bool("scan.blocked", blocked),
	)
	end(span, err)
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
