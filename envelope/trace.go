package envelope

import (
	"crypto/rand"

	"go.opentelemetry.io/otel/trace"
)

// Trace links the hops of one workflow. TraceID is fixed for the workflow's
// lifetime; every hop gets a fresh SpanID whose parent is the hop that
// caused it.
type Trace struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// NewTrace starts a new trace with a root span.
func NewTrace() Trace {
	return Trace{
		TraceID: newTraceID().String(),
		SpanID:  newSpanID().String(),
	}
}

// Child returns the next hop: same trace, new span, parented on t.
func (t Trace) Child() Trace {
	return Trace{
		TraceID:      t.TraceID,
		SpanID:       newSpanID().String(),
		ParentSpanID: t.SpanID,
	}
}

// SpanContext converts t into a remote OpenTelemetry span context so that
// local spans join the workflow's trace. It returns an invalid context when
// the ids are not W3C-shaped.
func (t Trace) SpanContext() trace.SpanContext {
	traceID, err := trace.TraceIDFromHex(t.TraceID)
	if err != nil {
		return trace.SpanContext{}
	}
	spanID, err := trace.SpanIDFromHex(t.SpanID)
	if err != nil {
		return trace.SpanContext{}
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
}

func newTraceID() trace.TraceID {
	var id trace.TraceID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}

func newSpanID() trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}
