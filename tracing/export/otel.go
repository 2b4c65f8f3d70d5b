package export

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/ashiato/internal/bound"
	"github.com/ashita-ai/ashiato/tracing"
)

// OTelConfig configures the OpenTelemetry bridge.
type OTelConfig struct {
	// TracerProvider receives the replayed traces. Nil disables the bridge.
	TracerProvider trace.TracerProvider
	Limits         bound.Limits
	// MaxPendingTraces caps traces held while waiting for their root span to
	// end. Oldest traces are evicted beyond it. Default 1000.
	MaxPendingTraces int
	Logger           *slog.Logger
}

// OTelExporter republishes ended spans through an OpenTelemetry tracer. The
// SDK assigns its own span identities, so parent links cannot be restored
// one event at a time; instead the bridge holds each trace's ended spans
// until the root ends, then replays the whole tree top-down with original
// timestamps.
type OTelExporter struct {
	tracer     trace.Tracer
	limits     bound.Limits
	maxPending int
	logger     *slog.Logger
	disabled   bool
	warnOnce   sync.Once

	mu      sync.Mutex
	pending map[string][]*tracing.Span
	order   []string
	dropped int64
}

// NewOTelExporter builds the bridge on the given provider.
func NewOTelExporter(cfg OTelConfig) *OTelExporter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPending := cfg.MaxPendingTraces
	if maxPending <= 0 {
		maxPending = 1000
	}
	e := &OTelExporter{
		limits:     cfg.Limits,
		maxPending: maxPending,
		logger:     logger,
		disabled:   cfg.TracerProvider == nil,
		pending:    make(map[string][]*tracing.Span),
	}
	if !e.disabled {
		e.tracer = cfg.TracerProvider.Tracer("ashiato/export")
	}
	return e
}

func (e *OTelExporter) Name() string { return "otel" }

// Export collects ended spans and replays the trace once its root ends.
func (e *OTelExporter) Export(ev tracing.Event) {
	if e.disabled {
		e.warnOnce.Do(func() {
			e.logger.Warn("otel exporter disabled: no tracer provider configured")
		})
		return
	}
	if ev.Type != tracing.SpanEnded || ev.Span == nil {
		return
	}
	span := ev.Span

	e.mu.Lock()
	if _, exists := e.pending[span.TraceID]; !exists {
		if len(e.pending) >= e.maxPending {
			e.evictOldestLocked()
		}
		e.order = append(e.order, span.TraceID)
	}
	e.pending[span.TraceID] = append(e.pending[span.TraceID], span)

	var batch []*tracing.Span
	if span.ParentID == "" {
		batch = e.takeLocked(span.TraceID)
	}
	e.mu.Unlock()

	if batch != nil {
		e.replay(batch)
	}
}

func (e *OTelExporter) evictOldestLocked() {
	if len(e.order) == 0 {
		return
	}
	oldest := e.order[0]
	e.order = e.order[1:]
	e.dropped += int64(len(e.pending[oldest]))
	delete(e.pending, oldest)
	e.logger.Debug("evicted pending trace before its root ended", "trace_id", oldest)
}

func (e *OTelExporter) takeLocked(traceID string) []*tracing.Span {
	batch := e.pending[traceID]
	delete(e.pending, traceID)
	for i, id := range e.order {
		if id == traceID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return batch
}

// replay emits one completed trace through the SDK, children under their
// parents, everything stamped with the original wall-clock times.
func (e *OTelExporter) replay(spans []*tracing.Span) {
	byParent := make(map[string][]*tracing.Span)
	var roots []*tracing.Span
	for _, s := range spans {
		if s.ParentID == "" {
			roots = append(roots, s)
			continue
		}
		byParent[s.ParentID] = append(byParent[s.ParentID], s)
	}
	for _, children := range byParent {
		sort.Slice(children, func(i, j int) bool {
			return children[i].StartTime.Before(children[j].StartTime)
		})
	}

	emitted := make(map[string]bool, len(spans))
	ctx := context.Background()
	for _, root := range roots {
		e.emit(ctx, root, byParent, emitted)
	}

	// Spans whose parent never ended still deserve a home; they surface as
	// direct children of nothing, ordered by start time.
	var orphans []*tracing.Span
	for _, s := range spans {
		if !emitted[s.ID] {
			orphans = append(orphans, s)
		}
	}
	if len(orphans) > 0 {
		sort.Slice(orphans, func(i, j int) bool {
			return orphans[i].StartTime.Before(orphans[j].StartTime)
		})
		e.logger.Debug("trace replay found spans with missing parents", "count", len(orphans))
		for _, s := range orphans {
			if !emitted[s.ID] {
				e.emit(ctx, s, byParent, emitted)
			}
		}
	}
}

func (e *OTelExporter) emit(ctx context.Context, span *tracing.Span, byParent map[string][]*tracing.Span, emitted map[string]bool) {
	emitted[span.ID] = true

	attrs := []attribute.KeyValue{
		attribute.String("ashiato.trace_id", span.TraceID),
		attribute.String("ashiato.span_id", span.ID),
		attribute.String("ashiato.span_type", string(span.Type)),
	}
	if span.IsEvent {
		attrs = append(attrs, attribute.Bool("ashiato.is_event", true))
	}
	if span.Attrs != nil {
		attrs = append(attrs, attribute.String("ashiato.attributes", bound.MarshalBounded(span.Attrs, e.limits)))
	}
	if span.Input != nil {
		attrs = append(attrs, attribute.String("ashiato.input", bound.MarshalBounded(span.Input, e.limits)))
	}
	if span.Output != nil {
		attrs = append(attrs, attribute.String("ashiato.output", bound.MarshalBounded(span.Output, e.limits)))
	}
	if len(span.Metadata) > 0 {
		attrs = append(attrs, attribute.String("ashiato.metadata", bound.MarshalBounded(span.Metadata, e.limits)))
	}

	childCtx, ospan := e.tracer.Start(ctx, span.Name,
		trace.WithTimestamp(span.StartTime),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if span.ErrorInfo != nil {
		ospan.SetStatus(codes.Error, span.ErrorInfo.Message)
	}

	for _, child := range byParent[span.ID] {
		e.emit(childCtx, child, byParent, emitted)
	}

	end := span.StartTime
	if span.EndTime != nil {
		end = *span.EndTime
	}
	ospan.End(trace.WithTimestamp(end))
}

// Shutdown drops traces whose roots never ended; without a root there is no
// tree to replay.
func (e *OTelExporter) Shutdown(context.Context) error {
	if e.disabled {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.pending); n > 0 {
		e.logger.Debug("discarding incomplete traces at shutdown", "traces", n)
	}
	e.pending = make(map[string][]*tracing.Span)
	e.order = nil
	return nil
}
