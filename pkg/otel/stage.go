package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartStage opens a span for one pipeline stage of a call
func StartStage(ctx context.Context, stage, callID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("call.id", callID),
		attribute.String("pipeline.stage", stage),
	)
	return tracer().Start(ctx, "pipeline."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndStage records the stage outcome and ends the span. Cancellation is not
// marked as an error.
func EndStage(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("pipeline.outcome", outcome))
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
