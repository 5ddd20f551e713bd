package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OtelEmitter turns each hook event into an immediately-ended OpenTelemetry
// span, grounded on the teacher's OTelEmitter (graph/emit/otel.go):
// one span per event, attributes carrying flow id, kind, and Meta.
type OtelEmitter struct {
	tracer trace.Tracer
}

// NewOtelEmitter constructs an OtelEmitter from a tracer, typically
// otel.Tracer("flowspec/engine").
func NewOtelEmitter(tracer trace.Tracer) *OtelEmitter {
	return &OtelEmitter{tracer: tracer}
}

func (e *OtelEmitter) Emit(event Event) {
	attrs := []attribute.KeyValue{
		attribute.String("flow.id", event.FlowID),
		attribute.String("hook.kind", string(event.Kind)),
	}
	for k, v := range event.Meta {
		attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
	}
	_, span := e.tracer.Start(context.Background(), "flowspec.hook."+string(event.Kind))
	span.SetAttributes(attrs...)
	span.End()
}

func (e *OtelEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, ev := range events {
		e.Emit(ev)
	}
	return nil
}

func (e *OtelEmitter) Flush(context.Context) error { return nil }
