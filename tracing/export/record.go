package export

import (
	"context"
	"time"

	"github.com/ashita-ai/ashiato/internal/bound"
	"github.com/ashita-ai/ashiato/tracing"
)

// Record is the flattened, size-bounded form of a span that sinks persist
// and the collector accepts on its ingest endpoint.
type Record struct {
	TraceID      string     `json:"traceId"`
	SpanID       string     `json:"spanId"`
	ParentSpanID *string    `json:"parentSpanId"`
	Name         string     `json:"name"`
	SpanType     string     `json:"spanType"`
	Attributes   any        `json:"attributes"`
	Metadata     any        `json:"metadata"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt"`
	Input        any        `json:"input"`
	Output       any        `json:"output"`
	Error        any        `json:"error"`
	IsEvent      bool       `json:"isEvent"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    *time.Time `json:"updatedAt"`
}

// NewRecord projects a span snapshot into a Record, passing every free-form
// payload through bounded normalization so no record can smuggle an unbounded
// value into a sink.
func NewRecord(span *tracing.Span, lim bound.Limits) Record {
	rec := Record{
		TraceID:   span.TraceID,
		SpanID:    span.ID,
		Name:      span.Name,
		SpanType:  string(span.Type),
		StartedAt: span.StartTime,
		IsEvent:   span.IsEvent,
		CreatedAt: time.Now(),
	}
	if span.ParentID != "" {
		parent := span.ParentID
		rec.ParentSpanID = &parent
	}
	if span.EndTime != nil {
		end := *span.EndTime
		rec.EndedAt = &end
	}
	if span.Attrs != nil {
		rec.Attributes = bound.Normalize(span.Attrs, lim)
	}
	if span.Metadata != nil {
		rec.Metadata = bound.Normalize(span.Metadata, lim)
	}
	if span.Input != nil {
		rec.Input = bound.Normalize(span.Input, lim)
	}
	if span.Output != nil {
		rec.Output = bound.Normalize(span.Output, lim)
	}
	if span.ErrorInfo != nil {
		rec.Error = bound.Normalize(span.ErrorInfo, lim)
	}
	return rec
}

// SpanStore is the storage collaborator the synchronous exporter writes to.
// CreateSpan is called on first sight of a span, UpdateSpan on every later
// transition; implementations key rows on (traceId, spanId).
type SpanStore interface {
	CreateSpan(ctx context.Context, rec Record) error
	UpdateSpan(ctx context.Context, rec Record) error
}
