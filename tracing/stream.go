package tracing

import (
	"encoding/json"
	"fmt"
)

// ChunkType identifies one kind of streaming signal from a model provider.
// Types outside this set are legal; the tracker records them as single-shot
// events.
type ChunkType string

const (
	ChunkStepStart      ChunkType = "step-start"
	ChunkStepFinish     ChunkType = "step-finish"
	ChunkTextStart      ChunkType = "text-start"
	ChunkTextDelta      ChunkType = "text-delta"
	ChunkTextEnd        ChunkType = "text-end"
	ChunkReasoningStart ChunkType = "reasoning-start"
	ChunkReasoningDelta ChunkType = "reasoning-delta"
	ChunkReasoningEnd   ChunkType = "reasoning-end"
	ChunkToolCallStart  ChunkType = "tool-call-start"
	ChunkToolCallDelta  ChunkType = "tool-call-delta"
	ChunkToolCallEnd    ChunkType = "tool-call-end"
	ChunkObject         ChunkType = "object"
	ChunkObjectResult   ChunkType = "object-result"
)

// Chunk is one unit of a provider's streaming output. Payload keys the
// tracker reads: "text" on deltas, "toolName", "toolCallId", and "toolInput"
// on tool-call chunks, "usage", "finishReason", and "warnings" on
// step-finish, "object" on object chunks, and "data" on single-shot chunks.
type Chunk struct {
	Type    ChunkType
	Payload map[string]any
}

// parseToolInput decodes accumulated tool arguments. Providers stream
// arguments as JSON text, but partial or malformed streams stay useful as
// the raw string.
func parseToolInput(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func payloadString(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func payloadStrings(p map[string]any, key string) []string {
	if p == nil {
		return nil
	}
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// payloadUsage coerces the usage value a provider put in a payload. JSON
// decoding yields map[string]any with float64 numbers, so that shape is
// accepted alongside the native types.
func payloadUsage(p map[string]any) *Usage {
	if p == nil {
		return nil
	}
	switch u := p["usage"].(type) {
	case *Usage:
		return u
	case Usage:
		return &u
	case map[string]any:
		out := &Usage{
			InputTokens:     coerceInt(u["inputTokens"]),
			OutputTokens:    coerceInt(u["outputTokens"]),
			TotalTokens:     coerceInt(u["totalTokens"]),
			ReasoningTokens: coerceInt(u["reasoningTokens"]),
		}
		if out.TotalTokens == 0 {
			out.TotalTokens = out.InputTokens + out.OutputTokens
		}
		return out
	}
	return nil
}

func coerceInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

// payloadSize reports how large a bulk payload value is without keeping it.
func payloadSize(v any) int {
	switch d := v.(type) {
	case string:
		return len(d)
	case []byte:
		return len(d)
	default:
		return len(fmt.Sprint(d))
	}
}
