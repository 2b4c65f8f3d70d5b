package tracing

import (
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
)

// chunkKind names the family of the currently open chunk span so that deltas
// and ends can be matched against it.
type chunkKind string

const (
	kindNone      chunkKind = ""
	kindText      chunkKind = "text"
	kindReasoning chunkKind = "reasoning"
	kindToolCall  chunkKind = "tool-call"
	kindObject    chunkKind = "object"
)

// StreamTracker folds a provider's chunk stream into span structure under one
// generation span: at most one step span and one chunk span are open at any
// time, with deltas accumulated between a chunk's start and end. All methods
// are safe for concurrent use, though providers normally deliver chunks from
// a single goroutine.
type StreamTracker struct {
	tracer     *Tracer
	generation *Span
	logger     *slog.Logger

	mu        sync.Mutex
	step      *Span
	chunk     *Span
	kind      chunkKind
	acc       map[string]*strings.Builder
	toolName  string
	toolCall  string
	toolInput strings.Builder
	stepIndex int
	seq       int
}

// NewStreamTracker tracks chunks under generation. A nil generation starts a
// fresh root generation span on the tracer.
func NewStreamTracker(tracer *Tracer, generation *Span, logger *slog.Logger) *StreamTracker {
	if generation == nil {
		generation = tracer.StartSpan("generation", GenerationAttributes{Streaming: true})
	}
	if logger == nil {
		logger = tracer.logger
	}
	return &StreamTracker{
		tracer:     tracer,
		generation: generation,
		logger:     logger,
		acc:        make(map[string]*strings.Builder),
	}
}

// Generation returns the span the tracker is folding chunks into.
func (st *StreamTracker) Generation() *Span { return st.generation }

// StartStep opens a step span. If a step is already open the call is a
// no-op; use UpdateStep to patch it.
func (st *StreamTracker) StartStep(input any) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.startStepLocked(input)
}

// UpdateStep patches the open step span. Dropped when no step is open.
func (st *StreamTracker) UpdateStep(u SpanUpdate) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.step == nil {
		st.logger.Debug("step update with no open step, dropped")
		return
	}
	st.step.Update(u)
}

// FinishStep ends the open step with its aggregated usage, advances the step
// index, and resets the per-step sequence counter. A chunk still open when
// the step finishes is closed first with whatever it accumulated. No-op when
// no step is open.
func (st *StreamTracker) FinishStep(usage *Usage, finishReason string, warnings []string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closeChunkLocked()
	if st.step == nil {
		return
	}
	st.step.End(SpanUpdate{Attrs: StepAttributes{
		Index:        st.stepIndex,
		Usage:        usage,
		FinishReason: finishReason,
		Warnings:     warnings,
	}})
	st.step = nil
	st.stepIndex++
	st.seq = 0
}

// UpdateGeneration patches the generation span. Valid at any point in the
// stream, including before the first step.
func (st *StreamTracker) UpdateGeneration(u SpanUpdate) {
	st.generation.Update(u)
}

// EndGeneration ends the generation span. It deliberately leaves step and
// chunk bookkeeping alone; callers that want dangling children closed call
// FinishStep first.
func (st *StreamTracker) EndGeneration(u SpanUpdate) {
	st.generation.End(u)
}

// HandleChunk routes one streaming chunk through the tracker's state machine.
func (st *StreamTracker) HandleChunk(c Chunk) {
	st.mu.Lock()
	defer st.mu.Unlock()

	switch c.Type {
	case ChunkStepStart:
		var input any
		if len(c.Payload) > 0 {
			input = c.Payload
		}
		st.startStepLocked(input)

	case ChunkStepFinish:
		st.closeChunkLocked()
		if st.step == nil {
			return
		}
		st.step.End(SpanUpdate{Attrs: StepAttributes{
			Index:        st.stepIndex,
			Usage:        payloadUsage(c.Payload),
			FinishReason: payloadString(c.Payload, "finishReason"),
			Warnings:     payloadStrings(c.Payload, "warnings"),
		}})
		st.step = nil
		st.stepIndex++
		st.seq = 0

	case ChunkTextStart:
		st.openChunkLocked(kindText)

	case ChunkTextDelta:
		st.appendDeltaLocked(kindText, payloadString(c.Payload, "text"))

	case ChunkTextEnd:
		st.endAccumulatedLocked(kindText)

	case ChunkReasoningStart:
		st.openChunkLocked(kindReasoning)

	case ChunkReasoningDelta:
		st.appendDeltaLocked(kindReasoning, payloadString(c.Payload, "text"))

	case ChunkReasoningEnd:
		st.endAccumulatedLocked(kindReasoning)

	case ChunkToolCallStart:
		st.openToolCallLocked(c.Payload)

	case ChunkToolCallDelta:
		if st.kind != kindToolCall {
			st.logger.Debug("tool-call delta with no open tool call, dropped")
			return
		}
		st.mergeToolFieldsLocked(c.Payload)
		st.toolInput.WriteString(payloadString(c.Payload, "toolInput"))

	case ChunkToolCallEnd:
		if st.kind != kindToolCall {
			st.logger.Debug("tool-call end with no open tool call, dropped")
			return
		}
		st.mergeToolFieldsLocked(c.Payload)
		st.endToolCallLocked()

	case ChunkObject:
		// Repeated partial objects keep the same chunk span open.
		if st.chunk != nil {
			return
		}
		st.ensureStepLocked()
		st.chunk = st.step.Child("chunk object", ChunkAttributes{
			ChunkType: string(kindObject),
			Sequence:  st.seq,
		})
		st.kind = kindObject

	case ChunkObjectResult:
		if st.kind != kindObject {
			st.logger.Debug("object result with no open object chunk, dropped")
			return
		}
		var out any
		if c.Payload != nil {
			out = c.Payload["object"]
		}
		st.endChunkLocked(SpanUpdate{Output: out})

	default:
		st.recordEventLocked(c)
	}
}

func (st *StreamTracker) startStepLocked(input any) {
	if st.step != nil {
		return
	}
	opts := []SpanOption{}
	if input != nil {
		opts = append(opts, WithInput(input))
	}
	st.step = st.generation.Child(
		fmt.Sprintf("step %d", st.stepIndex),
		StepAttributes{Index: st.stepIndex},
		opts...,
	)
	st.seq = 0
}

// ensureStepLocked backs instrumentation points that stream chunks without an
// explicit step-start signal.
func (st *StreamTracker) ensureStepLocked() {
	if st.step == nil {
		st.startStepLocked(nil)
	}
}

func (st *StreamTracker) openChunkLocked(kind chunkKind) {
	st.ensureStepLocked()
	st.closeChunkLocked()
	st.chunk = st.step.Child("chunk "+string(kind), ChunkAttributes{
		ChunkType: string(kind),
		Sequence:  st.seq,
	})
	st.kind = kind
	st.acc[string(kind)] = &strings.Builder{}
}

func (st *StreamTracker) openToolCallLocked(p map[string]any) {
	st.ensureStepLocked()
	st.closeChunkLocked()
	st.toolName = payloadString(p, "toolName")
	st.toolCall = payloadString(p, "toolCallId")
	st.toolInput.Reset()
	name := st.toolName
	if name == "" {
		name = "tool-call"
	}
	st.chunk = st.step.Child(name, ToolCallAttributes{
		ToolName:   st.toolName,
		ToolCallID: st.toolCall,
	})
	st.kind = kindToolCall
}

func (st *StreamTracker) mergeToolFieldsLocked(p map[string]any) {
	if v := payloadString(p, "toolName"); v != "" {
		st.toolName = v
	}
	if v := payloadString(p, "toolCallId"); v != "" {
		st.toolCall = v
	}
}

func (st *StreamTracker) appendDeltaLocked(kind chunkKind, text string) {
	if st.kind != kind {
		st.logger.Debug("delta with no matching open chunk, dropped", "kind", string(kind))
		return
	}
	if b := st.acc[string(kind)]; b != nil {
		b.WriteString(text)
	}
}

func (st *StreamTracker) endAccumulatedLocked(kind chunkKind) {
	if st.kind != kind {
		st.logger.Debug("chunk end with no matching open chunk, dropped", "kind", string(kind))
		return
	}
	var out any
	if b := st.acc[string(kind)]; b != nil {
		out = b.String()
	}
	st.endChunkLocked(SpanUpdate{Output: out})
}

func (st *StreamTracker) endToolCallLocked() {
	st.endChunkLocked(SpanUpdate{
		Input: parseToolInput(st.toolInput.String()),
		Attrs: ToolCallAttributes{ToolName: st.toolName, ToolCallID: st.toolCall},
	})
}

// closeChunkLocked finishes a chunk left open by a missing end signal, keeping
// whatever content accumulated so far.
func (st *StreamTracker) closeChunkLocked() {
	switch st.kind {
	case kindNone:
		return
	case kindText, kindReasoning:
		st.endAccumulatedLocked(st.kind)
	case kindToolCall:
		st.endToolCallLocked()
	case kindObject:
		st.endChunkLocked(SpanUpdate{})
	}
}

func (st *StreamTracker) endChunkLocked(u SpanUpdate) {
	if st.chunk == nil {
		return
	}
	st.chunk.End(u)
	st.chunk = nil
	st.kind = kindNone
	st.seq++
}

// recordEventLocked captures a single-shot chunk as a zero-duration event
// span. A bulk "data" payload field is replaced with its size so large file
// or audio chunks are never re-serialized into span storage.
func (st *StreamTracker) recordEventLocked(c Chunk) {
	parent := st.generation
	if st.step != nil {
		parent = st.step
	}
	opts := []SpanOption{WithParent(parent)}
	if len(c.Payload) > 0 {
		out := maps.Clone(c.Payload)
		if d, ok := out["data"]; ok {
			delete(out, "data")
			out["size"] = payloadSize(d)
		}
		opts = append(opts, WithOutput(out))
	}
	st.tracer.Event(string(c.Type), ChunkAttributes{
		ChunkType: string(c.Type),
		Sequence:  st.seq,
	}, opts...)
	st.seq++
}
