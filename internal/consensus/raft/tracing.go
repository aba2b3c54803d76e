package raft

import (
	"context"
	"math"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// startSpan tags every span with the node id. It is safe to call from RPC
// goroutines: it reads no event-loop state.
func (n *Node) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := n.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("raft.node_id", n.id))
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// finishSpan ends a span that tracks a storage completion.
func finishSpan(span oteltrace.Span, err error) {
	spanRecordError(span, err)
	span.End()
}

func spanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

// uintAttr reports a term or index, clamped to the attribute's int64 range.
func uintAttr(key string, v uint64) attribute.KeyValue {
	if v > math.MaxInt64 {
		return attribute.Int64(key, math.MaxInt64)
	}
	return attribute.Int64(key, int64(v))
}
