package tracing

import (
	"maps"
	"sync"
	"time"
)

// SpanType classifies what a span measured.
type SpanType string

const (
	SpanTypeGeneration   SpanType = "generation"
	SpanTypeStep         SpanType = "step"
	SpanTypeChunk        SpanType = "chunk"
	SpanTypeToolCall     SpanType = "tool-call"
	SpanTypeWorkflowStep SpanType = "workflow-step"
	SpanTypeSleep        SpanType = "sleep"
	SpanTypeGeneric      SpanType = "generic"
)

// Attributes is the closed set of per-type span payloads. Each variant pins
// the span type it belongs to, so a span can never carry attributes from a
// different type.
type Attributes interface {
	spanType() SpanType
}

// Usage counts tokens consumed by a model call.
type Usage struct {
	InputTokens     int `json:"inputTokens"`
	OutputTokens    int `json:"outputTokens"`
	TotalTokens     int `json:"totalTokens"`
	ReasoningTokens int `json:"reasoningTokens,omitempty"`
}

// GenerationAttributes describes a full model invocation.
type GenerationAttributes struct {
	Model        string         `json:"model,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	Streaming    bool           `json:"streaming,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
}

func (GenerationAttributes) spanType() SpanType { return SpanTypeGeneration }

// StepAttributes describes one step of a multi-step generation.
type StepAttributes struct {
	Index        int      `json:"index"`
	Usage        *Usage   `json:"usage,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

func (StepAttributes) spanType() SpanType { return SpanTypeStep }

// ChunkAttributes describes a contiguous run of stream chunks of one kind,
// such as a text or reasoning segment.
type ChunkAttributes struct {
	ChunkType string `json:"chunkType,omitempty"`
	Sequence  int    `json:"sequence"`
}

func (ChunkAttributes) spanType() SpanType { return SpanTypeChunk }

// ToolCallAttributes describes a tool invocation requested by the model.
type ToolCallAttributes struct {
	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
}

func (ToolCallAttributes) spanType() SpanType { return SpanTypeToolCall }

// WorkflowStepAttributes describes a step executed by a workflow engine.
type WorkflowStepAttributes struct {
	StepID string `json:"stepId,omitempty"`
	Status string `json:"status,omitempty"`
}

func (WorkflowStepAttributes) spanType() SpanType { return SpanTypeWorkflowStep }

// SleepAttributes describes a deliberate pause in a workflow.
type SleepAttributes struct {
	DurationMS int64      `json:"durationMs,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
}

func (SleepAttributes) spanType() SpanType { return SpanTypeSleep }

// GenericAttributes is the free-form escape hatch for spans that fit no
// specific type.
type GenericAttributes map[string]any

func (GenericAttributes) spanType() SpanType { return SpanTypeGeneric }

// ErrorInfo captures a failure attached to a span.
type ErrorInfo struct {
	Message  string         `json:"message"`
	ID       string         `json:"id,omitempty"`
	Domain   string         `json:"domain,omitempty"`
	Category string         `json:"category,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Span is one timed unit of agent work. Spans are created through a Tracer
// and mutated only through Update and End; every mutation emits an event
// carrying an immutable snapshot, so exporters never observe a span mid-write.
type Span struct {
	ID        string         `json:"id"`
	TraceID   string         `json:"traceId"`
	ParentID  string         `json:"parentId,omitempty"`
	Name      string         `json:"name"`
	Type      SpanType       `json:"spanType"`
	StartTime time.Time      `json:"startTime"`
	EndTime   *time.Time     `json:"endTime,omitempty"`
	Input     any            `json:"input,omitempty"`
	Output    any            `json:"output,omitempty"`
	Attrs     Attributes     `json:"attributes,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ErrorInfo *ErrorInfo     `json:"errorInfo,omitempty"`
	IsEvent   bool           `json:"isEvent,omitempty"`

	tracer *Tracer
	mu     sync.Mutex
	ended  bool
}

// SpanUpdate is a partial mutation applied by Update or End. Nil fields are
// left untouched.
type SpanUpdate struct {
	Input    any
	Output   any
	Attrs    Attributes
	Metadata map[string]any
	Error    *ErrorInfo
}

// Update applies u and emits an updated event. Updates after End are dropped.
func (s *Span) Update(u SpanUpdate) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.logDropped("update")
		return
	}
	s.apply(u)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(Event{Type: SpanUpdated, Span: snap})
}

// End applies u, fixes the end time, and emits an ended event. Only the first
// call takes effect; the end time is immutable afterwards.
func (s *Span) End(u SpanUpdate) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.logDropped("end")
		return
	}
	s.apply(u)
	now := time.Now()
	s.EndTime = &now
	s.ended = true
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(Event{Type: SpanEnded, Span: snap})
}

// Fail records err on the span and ends it.
func (s *Span) Fail(err error) {
	if err == nil {
		s.End(SpanUpdate{})
		return
	}
	s.End(SpanUpdate{Error: &ErrorInfo{Message: err.Error()}})
}

// Child starts a span parented to s on the same trace.
func (s *Span) Child(name string, attrs Attributes, opts ...SpanOption) *Span {
	if s.tracer == nil {
		return detachedSpan(name, attrs)
	}
	return s.tracer.StartSpan(name, attrs, append(opts, WithParent(s))...)
}

// Ended reports whether End has been called.
func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Span) apply(u SpanUpdate) {
	if u.Input != nil {
		s.Input = u.Input
	}
	if u.Output != nil {
		s.Output = u.Output
	}
	if u.Attrs != nil {
		s.Attrs = u.Attrs
	}
	if u.Metadata != nil {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any, len(u.Metadata))
		}
		maps.Copy(s.Metadata, u.Metadata)
	}
	if u.Error != nil {
		s.ErrorInfo = u.Error
	}
}

// snapshotLocked returns a data-only copy safe to hand to exporters. The
// caller must hold s.mu.
func (s *Span) snapshotLocked() *Span {
	snap := &Span{
		ID:        s.ID,
		TraceID:   s.TraceID,
		ParentID:  s.ParentID,
		Name:      s.Name,
		Type:      s.Type,
		StartTime: s.StartTime,
		Input:     s.Input,
		Output:    s.Output,
		Attrs:     s.Attrs,
		Metadata:  maps.Clone(s.Metadata),
		ErrorInfo: s.ErrorInfo,
		IsEvent:   s.IsEvent,
		ended:     s.ended,
	}
	if s.EndTime != nil {
		end := *s.EndTime
		snap.EndTime = &end
	}
	return snap
}

func (s *Span) emit(ev Event) {
	if s.tracer == nil || s.tracer.emit == nil {
		return
	}
	s.tracer.emit(ev)
}

func (s *Span) logDropped(op string) {
	if s.tracer == nil || s.tracer.logger == nil {
		return
	}
	s.tracer.logger.Debug("span already ended, mutation dropped",
		"op", op, "span_id", s.ID, "span_name", s.Name)
}

// detachedSpan backs Child calls on exporter-side snapshots. It records
// nothing and emits nothing.
func detachedSpan(name string, attrs Attributes) *Span {
	t := SpanTypeGeneric
	if attrs != nil {
		t = attrs.spanType()
	}
	return &Span{Name: name, Type: t, Attrs: attrs, StartTime: time.Now()}
}
