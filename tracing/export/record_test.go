package export

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ashiato/internal/bound"
	"github.com/ashita-ai/ashiato/tracing"
)

func TestNewRecordProjection(t *testing.T) {
	start := time.Now().Add(-time.Second)
	end := time.Now()
	span := &tracing.Span{
		ID:        "span-1",
		TraceID:   "trace-1",
		ParentID:  "parent-1",
		Name:      "llm call",
		Type:      tracing.SpanTypeGeneration,
		StartTime: start,
		EndTime:   &end,
		Input:     map[string]any{"prompt": "hi"},
		Output:    "hello",
		Attrs:     tracing.GenerationAttributes{Model: "gpt-4o", Provider: "openai"},
		Metadata:  map[string]any{"env": "test"},
		ErrorInfo: &tracing.ErrorInfo{Message: "late timeout"},
	}

	rec := NewRecord(span, bound.Limits{})

	assert.Equal(t, "trace-1", rec.TraceID)
	assert.Equal(t, "span-1", rec.SpanID)
	require.NotNil(t, rec.ParentSpanID)
	assert.Equal(t, "parent-1", *rec.ParentSpanID)
	assert.Equal(t, "llm call", rec.Name)
	assert.Equal(t, "generation", rec.SpanType)
	assert.Equal(t, start, rec.StartedAt)
	require.NotNil(t, rec.EndedAt)
	assert.Equal(t, end, *rec.EndedAt)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Nil(t, rec.UpdatedAt)

	// Typed attributes flatten into a plain object.
	attrs, ok := rec.Attributes.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", attrs["model"])
	assert.Equal(t, "openai", attrs["provider"])

	errObj, ok := rec.Error.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "late timeout", errObj["message"])
}

func TestNewRecordRootAndOpenSpan(t *testing.T) {
	span := &tracing.Span{
		ID:        "span-1",
		TraceID:   "trace-1",
		Name:      "root",
		Type:      tracing.SpanTypeGeneric,
		StartTime: time.Now(),
	}

	rec := NewRecord(span, bound.Limits{})

	assert.Nil(t, rec.ParentSpanID)
	assert.Nil(t, rec.EndedAt)
	assert.Nil(t, rec.Attributes)
	assert.Nil(t, rec.Input)
	assert.Nil(t, rec.Error)
	assert.False(t, rec.IsEvent)
}

func TestNewRecordBoundsPayloads(t *testing.T) {
	span := &tracing.Span{
		ID:        "span-1",
		TraceID:   "trace-1",
		Name:      "big",
		Type:      tracing.SpanTypeGeneric,
		StartTime: time.Now(),
		Input:     strings.Repeat("x", 5000),
	}

	rec := NewRecord(span, bound.Limits{MaxStringLen: 100})

	in, ok := rec.Input.(string)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(in, bound.TruncationSuffix))
	assert.Less(t, len(in), 200)
}

type selfJSON struct{ body string }

func (s selfJSON) MarshalJSON() ([]byte, error) { return []byte(s.body), nil }

func TestNewRecordBoundsMarshalerPayloads(t *testing.T) {
	span := &tracing.Span{
		ID:        "span-1",
		TraceID:   "trace-1",
		Name:      "big",
		Type:      tracing.SpanTypeGeneric,
		StartTime: time.Now(),
		Output:    selfJSON{body: `"` + strings.Repeat("x", 1<<20) + `"`},
	}

	rec := NewRecord(span, bound.Limits{MaxStringLen: 100})

	out, ok := rec.Output.(string)
	require.True(t, ok, "self-rendering payloads must not bypass bounding")
	assert.True(t, strings.HasSuffix(out, bound.TruncationSuffix))
	assert.Less(t, len(out), 200)
}
