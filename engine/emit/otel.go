package emit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TraceEmitter starts a span per step attempt and per restore, carrying the
// fencing token and step id as attributes so a trace backend can correlate
// a rejected write with the span that produced it.
type TraceEmitter struct {
	tracer trace.Tracer
}

// NewTraceEmitter wraps tracer, or the global no-op tracer if nil.
func NewTraceEmitter(tracer trace.Tracer) *TraceEmitter {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("corewf")
	}
	return &TraceEmitter{tracer: tracer}
}

func (t *TraceEmitter) Emit(event Event) {
	_, span := t.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(attribute.String("workflow_id", event.WorkflowID))
	if event.StepID != "" {
		span.SetAttributes(attribute.String("step_id", event.StepID))
	}
	if token, ok := event.Meta["fencing_token"].(int64); ok {
		span.SetAttributes(attribute.Int64("fencing_token", token))
	}
}

func (t *TraceEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		t.Emit(e)
	}
	return nil
}

func (t *TraceEmitter) Flush(_ context.Context) error { return nil }
