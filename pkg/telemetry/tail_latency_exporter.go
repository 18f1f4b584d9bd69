package telemetry

import (
	"context"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tailTraceRetention bounds how long the spans of a trace wait for their root span, and how long
// the verdict on a trace is kept for spans ending after their root.
const tailTraceRetention = time.Minute

var _ sdktrace.SpanExporter = (*tailLatencySpanExporter)(nil)

type pendingTrace struct {
	spans []sdktrace.ReadOnlySpan
	since time.Time
}

type traceVerdict struct {
	slow bool
	at   time.Time
}

type tailLatencySpanExporter struct {
	wrapped   sdktrace.SpanExporter
	latency   time.Duration
	retention time.Duration
	now       func() time.Time

	mu       sync.Mutex
	pending  map[trace.TraceID]*pendingTrace
	verdicts map[trace.TraceID]traceVerdict
}

// NewTailLatencySpanExporter creates a SpanExporter that forwards to exporter only the spans of
// the traces whose root span lasted at least latency. Slow executions keep their full trace
// while cache hits are dropped.
//
// Child spans usually end before their root and may be exported in an earlier batch, so they are
// buffered by trace until the root arrives. A trace whose root is not seen within a minute is
// dropped.
func NewTailLatencySpanExporter(exporter sdktrace.SpanExporter, latency time.Duration) sdktrace.SpanExporter {
	return &tailLatencySpanExporter{
		wrapped:   exporter,
		latency:   latency,
		retention: tailTraceRetention,
		now:       time.Now,
		pending:   make(map[trace.TraceID]*pendingTrace),
		verdicts:  make(map[trace.TraceID]traceVerdict),
	}
}

func (t *tailLatencySpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	kept := t.sift(spans)
	if len(kept) == 0 {
		return nil
	}

	return t.wrapped.ExportSpans(ctx, kept)
}

// sift returns the spans of slow traces that are ready for export and buffers the spans of
// traces whose root has not ended yet.
func (t *tailLatencySpanExporter) sift(spans []sdktrace.ReadOnlySpan) []sdktrace.ReadOnlySpan {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var kept []sdktrace.ReadOnlySpan
	for _, span := range spans {
		id := span.SpanContext().TraceID()

		if verdict, ok := t.verdicts[id]; ok {
			if verdict.slow {
				kept = append(kept, span)
			}
			continue
		}

		if span.Parent().IsValid() {
			p, ok := t.pending[id]
			if !ok {
				p = &pendingTrace{since: now}
				t.pending[id] = p
			}
			p.spans = append(p.spans, span)
			continue
		}

		slow := span.EndTime().Sub(span.StartTime()) >= t.latency
		t.verdicts[id] = traceVerdict{slow: slow, at: now}
		if slow {
			if p, ok := t.pending[id]; ok {
				kept = append(kept, p.spans...)
			}
			kept = append(kept, span)
		}
		delete(t.pending, id)
	}

	for id, p := range t.pending {
		if now.Sub(p.since) > t.retention {
			delete(t.pending, id)
		}
	}
	for id, v := range t.verdicts {
		if now.Sub(v.at) > t.retention {
			delete(t.verdicts, id)
		}
	}

	return kept
}

func (t *tailLatencySpanExporter) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	clear(t.pending)
	clear(t.verdicts)
	t.mu.Unlock()

	return t.wrapped.Shutdown(ctx)
}
