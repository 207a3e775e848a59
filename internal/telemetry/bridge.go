package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/droverhq/drover/internal/events"
)

// Span names emitted by the bridge.
const (
	spanMutation  = "mutation.run"
	spanTurn      = "turn.dispatch"
	spanIteration = "fixloop.iteration"
	spanPhase     = "autonomous.phase"
)

// maxOpen bounds the start table so a subsystem that never emits a
// terminal event cannot grow it without limit.
const maxOpen = 1024

// Bridge turns paired lifecycle events into completed spans. It records
// the start-event time per task and materializes the span when the
// matching terminal event arrives, so no live span handles are held
// between events. Handle satisfies events.Handler and never blocks:
// span export happens in the provider's batcher.
type Bridge struct {
	tracer trace.Tracer

	mu   sync.Mutex
	open map[spanKey]spanStart

	now func() time.Time
}

type spanKey struct {
	name string
	task string
}

type spanStart struct {
	at    time.Time
	attrs []attribute.KeyValue
}

// NewBridge creates a bridge emitting spans through tracer.
func NewBridge(tracer trace.Tracer) *Bridge {
	return &Bridge{
		tracer: tracer,
		open:   make(map[spanKey]spanStart),
		now:    time.Now,
	}
}

// Handle maps one event onto the span tables. Start events record a
// timestamp; terminal events emit the span. Iteration and phase events
// are both: each closes the previous span for the task and opens the
// next one.
func (b *Bridge) Handle(e events.Event) {
	switch e.Type {
	case events.MutationStarted:
		b.begin(spanMutation, e, "objective")
	case events.MutationCompleted, events.MutationFailed:
		b.finish(spanMutation, e)

	case events.TurnStarted:
		b.begin(spanTurn, e, "thread", "turn")
	case events.TurnCompleted, events.TurnTimeout, events.TurnFailed, events.TurnBlocked:
		b.finish(spanTurn, e)

	case events.FixIteration:
		b.finish(spanIteration, e)
		b.begin(spanIteration, e, "iteration", "failures")
	case events.FixConverged, events.FixNoProgress:
		b.finish(spanIteration, e)

	case events.RunPhase:
		b.finish(spanPhase, e)
		b.begin(spanPhase, e, "run", "phase")
	case events.RunCompleted, events.RunFailed, events.RunCancelled:
		b.finish(spanPhase, e)
	}
}

func (b *Bridge) begin(name string, e events.Event, payloadKeys ...string) {
	attrs := payloadAttrs(e.Payload, payloadKeys)
	if e.Task != "" {
		attrs = append(attrs, attribute.String("task", e.Task))
	}

	at := e.Time
	if at.IsZero() {
		at = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := spanKey{name: name, task: e.Task}
	if _, ok := b.open[key]; !ok && len(b.open) >= maxOpen {
		return
	}
	b.open[key] = spanStart{at: at, attrs: attrs}
}

// finish emits the span for a recorded start. Terminal events without
// a recorded start have nothing to measure and are ignored.
func (b *Bridge) finish(name string, e events.Event) {
	key := spanKey{name: name, task: e.Task}

	b.mu.Lock()
	start, ok := b.open[key]
	if ok {
		delete(b.open, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	end := e.Time
	if end.IsZero() {
		end = b.now()
	}

	_, span := b.tracer.Start(context.Background(), name,
		trace.WithTimestamp(start.at),
		trace.WithAttributes(start.attrs...),
	)
	span.SetAttributes(attribute.String("outcome", string(e.Type)))
	if e.Error != "" {
		span.SetStatus(codes.Error, e.Error)
	} else if e.IsFailure() {
		span.SetStatus(codes.Error, string(e.Type))
	}
	span.End(trace.WithTimestamp(end))
}

// payloadAttrs extracts the named keys from a map payload. Events carry
// map[string]any payloads with string and int values; other shapes are
// skipped.
func payloadAttrs(payload any, keys []string) []attribute.KeyValue {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil
	}

	var attrs []attribute.KeyValue
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		}
	}
	return attrs
}
