package es

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/codewandler/eventrepo/core/es"

func defaultTracer() trace.Tracer { return otel.Tracer(tracerName) }

func (r *Repository) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(
		ctx,
		"es."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// endSpan records err on span, counts the failure and closes the span.
func (r *Repository) endSpan(span trace.Span, op string, err error) {
	if err != nil {
		kind := KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		span.SetAttributes(attribute.String("es.error_kind", kind.String()))
		r.metrics.OperationFailed(op, kind)
	}
	span.End()
}
