package tracing

// EventType distinguishes the three points in a span's life at which it is
// handed to exporters.
type EventType string

const (
	SpanStarted EventType = "started"
	SpanUpdated EventType = "updated"
	SpanEnded   EventType = "ended"
)

// Event pairs a lifecycle transition with an immutable snapshot of the span
// as it looked when the transition happened.
type Event struct {
	Type EventType
	Span *Span
}
