// Package tracing models agent executions as trees of typed spans. A Tracer
// hands out spans; every lifecycle transition (start, update, end) is pushed
// to a single emit function as an event carrying an immutable snapshot, which
// is where processing and export pipelines attach.
package tracing

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Tracer creates spans and routes their lifecycle events to one sink.
type Tracer struct {
	name   string
	emit   func(Event)
	logger *slog.Logger
}

// NewTracer returns a tracer that forwards every span event to emit. A nil
// emit produces a tracer whose spans record locally but publish nothing.
func NewTracer(name string, emit func(Event), logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{name: name, emit: emit, logger: logger}
}

// Name returns the identifier the tracer was created with.
func (t *Tracer) Name() string { return t.name }

// SpanOption adjusts how StartSpan and Event build a span.
type SpanOption func(*spanOptions)

type spanOptions struct {
	parent   *Span
	traceID  string
	input    any
	output   any
	metadata map[string]any
}

// WithParent places the new span under parent in the same trace.
func WithParent(parent *Span) SpanOption {
	return func(o *spanOptions) { o.parent = parent }
}

// WithTraceID pins the trace ID for a root span. Ignored when a parent is
// set, since children always inherit the parent's trace.
func WithTraceID(id string) SpanOption {
	return func(o *spanOptions) { o.traceID = id }
}

// WithInput sets the span's initial input payload.
func WithInput(v any) SpanOption {
	return func(o *spanOptions) { o.input = v }
}

// WithOutput sets the span's output payload up front. Mostly useful for
// event spans, which have no later chance to attach one.
func WithOutput(v any) SpanOption {
	return func(o *spanOptions) { o.output = v }
}

// WithMetadata sets initial metadata on the span.
func WithMetadata(m map[string]any) SpanOption {
	return func(o *spanOptions) { o.metadata = m }
}

// StartSpan opens a span and emits its started event. The span's type comes
// from the attribute variant; nil attributes produce a generic span.
func (t *Tracer) StartSpan(name string, attrs Attributes, opts ...SpanOption) *Span {
	span := t.build(name, attrs, opts)
	span.mu.Lock()
	snap := span.snapshotLocked()
	span.mu.Unlock()
	span.emit(Event{Type: SpanStarted, Span: snap})
	return span
}

// Event records a point-in-time occurrence: a span whose start and end
// coincide. It emits exactly one ended event and nothing else.
func (t *Tracer) Event(name string, attrs Attributes, opts ...SpanOption) *Span {
	span := t.build(name, attrs, opts)
	span.mu.Lock()
	end := span.StartTime
	span.EndTime = &end
	span.IsEvent = true
	span.ended = true
	snap := span.snapshotLocked()
	span.mu.Unlock()
	span.emit(Event{Type: SpanEnded, Span: snap})
	return span
}

func (t *Tracer) build(name string, attrs Attributes, opts []SpanOption) *Span {
	var o spanOptions
	for _, opt := range opts {
		opt(&o)
	}

	spanType := SpanTypeGeneric
	if attrs != nil {
		spanType = attrs.spanType()
	}

	traceID := o.traceID
	parentID := ""
	if o.parent != nil {
		traceID = o.parent.TraceID
		parentID = o.parent.ID
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}

	return &Span{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		ParentID:  parentID,
		Name:      name,
		Type:      spanType,
		StartTime: time.Now(),
		Input:     o.input,
		Output:    o.output,
		Attrs:     attrs,
		Metadata:  o.metadata,
		tracer:    t,
	}
}
