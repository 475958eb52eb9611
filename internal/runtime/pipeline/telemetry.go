package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/gridflow/internal/runtime/envelope"
	"github.com/drblury/gridflow/internal/runtime/metadata"
)

// TracerName is used when Telemetry is built without a tracer.
const TracerName = "gridflow"

var traceContext = propagation.TraceContext{}

// Telemetry records a consumer span per event. The span is a child of the
// ambient span when ctx carries one, otherwise of the publisher's traceparent.
// The publisher's span context is always linked.
func Telemetry(tracer trace.Tracer) Behavior {
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	return func(ctx context.Context, w *envelope.Wrapper, next Next) Outcome {
		opts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(eventAttributes(w)...),
		}

		parent := ctx
		if remote := publisherSpanContext(w); remote.IsValid() {
			opts = append(opts, trace.WithLinks(trace.Link{SpanContext: remote}))
			if !trace.SpanContextFromContext(ctx).IsValid() {
				parent = trace.ContextWithRemoteSpanContext(ctx, remote)
			}
		}

		ctx, span := tracer.Start(parent, "process "+w.EventTypeName(), opts...)
		defer span.End()

		out := next(ctx)

		span.SetAttributes(attribute.String("gridflow.outcome", out.Status.String()))
		switch out.Status {
		case StatusSuccess:
			span.SetStatus(codes.Ok, "")
		case StatusReleased:
			span.SetAttributes(attribute.Int64("gridflow.release_delay_ms", out.Delay.Milliseconds()))
			if out.Err != nil {
				span.RecordError(out.Err)
			}
		default:
			if out.Err != nil {
				span.RecordError(out.Err)
				span.SetStatus(codes.Error, out.Err.Error())
			} else {
				span.SetStatus(codes.Error, out.Status.String())
			}
		}
		return out
	}
}

func publisherSpanContext(w *envelope.Wrapper) trace.SpanContext {
	traceParent := w.MetadataValue(metadata.KeyTraceParent)
	if traceParent == "" {
		return trace.SpanContext{}
	}
	carrier := propagation.MapCarrier{
		metadata.KeyTraceParent: traceParent,
		metadata.KeyTraceState:  w.MetadataValue(metadata.KeyTraceState),
	}
	return trace.SpanContextFromContext(traceContext.Extract(context.Background(), carrier))
}

func eventAttributes(w *envelope.Wrapper) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", TracerName),
		attribute.String("messaging.message.id", w.ID()),
		attribute.String("gridflow.schema", w.Schema().String()),
	}
	if parentID := w.MetadataValue(metadata.KeyParentOperationID); parentID != "" {
		attrs = append(attrs, attribute.String("gridflow.parent_operation_id", parentID))
	}
	if correlationID := w.MetadataValue(metadata.KeyCorrelationID); correlationID != "" {
		attrs = append(attrs, attribute.String("gridflow.correlation_id", correlationID))
	}

	if evt, ok := w.CloudEvent(); ok {
		attrs = append(attrs,
			attribute.String("cloudevents.event_id", evt.ID),
			attribute.String("cloudevents.event_type", evt.Type),
			attribute.String("cloudevents.event_source", evt.Source),
			attribute.String("cloudevents.event_spec_version", evt.SpecVersion),
		)
		if evt.Subject != "" {
			attrs = append(attrs, attribute.String("cloudevents.event_subject", evt.Subject))
		}
		return attrs
	}

	if evt, ok := w.GridEvent(); ok {
		attrs = append(attrs,
			attribute.String("eventgrid.event_id", evt.ID),
			attribute.String("eventgrid.event_type", evt.EventType),
			attribute.String("eventgrid.subject", evt.Subject),
			attribute.String("eventgrid.data_version", evt.DataVersion),
		)
		if evt.Topic != "" {
			attrs = append(attrs, attribute.String("eventgrid.topic", evt.Topic))
		}
		if !evt.EventTime.IsZero() {
			attrs = append(attrs, attribute.String("eventgrid.event_time", evt.EventTime.UTC().Format(time.RFC3339Nano)))
		}
	}
	return attrs
}
