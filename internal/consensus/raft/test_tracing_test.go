package raft

import (
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	testTracer  = noop.NewTracerProvider().Tracer("test/internal/consensus/raft")
	testMetrics = noopMetrics{}
)

// newRecordingTracer returns a tracer whose finished spans land in the
// returned recorder.
func newRecordingTracer() (*tracetest.SpanRecorder, *trace.TracerProvider) {
	rec := tracetest.NewSpanRecorder()
	return rec, trace.NewTracerProvider(trace.WithSpanProcessor(rec))
}
