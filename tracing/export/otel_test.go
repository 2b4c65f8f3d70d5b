package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ashita-ai/ashiato/tracing"
)

func newOTelHarness(t *testing.T) (*OTelExporter, *tracetest.InMemoryExporter) {
	t.Helper()
	mem := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(mem))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelExporter(OTelConfig{TracerProvider: tp, Logger: discardLogger()}), mem
}

func spanEndedAt(id, parent string, start, end time.Time) tracing.Event {
	span := &tracing.Span{
		ID:        id,
		TraceID:   "trace-1",
		ParentID:  parent,
		Name:      "span " + id,
		Type:      tracing.SpanTypeGeneration,
		StartTime: start,
	}
	span.EndTime = &end
	return tracing.Event{Type: tracing.SpanEnded, Span: span}
}

func TestOTelExporterReplaysWhenRootEnds(t *testing.T) {
	e, mem := newOTelHarness(t)
	base := time.Now().Add(-time.Minute)

	// Children end before the root, as they do in real traces.
	e.Export(spanEndedAt("child", "root", base.Add(time.Second), base.Add(2*time.Second)))
	assert.Empty(t, mem.GetSpans(), "nothing replays before the root ends")

	e.Export(spanEndedAt("root", "", base, base.Add(3*time.Second)))

	stubs := mem.GetSpans()
	require.Len(t, stubs, 2)

	var root, child tracetest.SpanStub
	for _, s := range stubs {
		switch s.Name {
		case "span root":
			root = s
		case "span child":
			child = s
		}
	}
	require.NotEmpty(t, root.Name)
	require.NotEmpty(t, child.Name)

	assert.Equal(t, root.SpanContext.SpanID(), child.Parent.SpanID(),
		"the child must hang off the replayed root")
	assert.Equal(t, root.SpanContext.TraceID(), child.SpanContext.TraceID())
	assert.True(t, root.StartTime.Equal(base), "original timestamps survive the replay")
	assert.True(t, child.EndTime.Equal(base.Add(2*time.Second)))
}

func TestOTelExporterSetsErrorStatus(t *testing.T) {
	e, mem := newOTelHarness(t)

	ev := spanEndedAt("root", "", time.Now().Add(-time.Second), time.Now())
	ev.Span.ErrorInfo = &tracing.ErrorInfo{Message: "tool exploded"}
	e.Export(ev)

	stubs := mem.GetSpans()
	require.Len(t, stubs, 1)
	assert.Equal(t, codes.Error, stubs[0].Status.Code)
	assert.Equal(t, "tool exploded", stubs[0].Status.Description)
}

func TestOTelExporterIgnoresNonEnded(t *testing.T) {
	e, mem := newOTelHarness(t)

	span := testSpan("s1", "")
	e.Export(tracing.Event{Type: tracing.SpanStarted, Span: span})
	e.Export(tracing.Event{Type: tracing.SpanUpdated, Span: span})

	assert.Empty(t, mem.GetSpans())
}

func TestOTelExporterDisabledWithoutProvider(t *testing.T) {
	e := NewOTelExporter(OTelConfig{Logger: discardLogger()})

	assert.NotPanics(t, func() {
		e.Export(spanEndedAt("root", "", time.Now(), time.Now()))
	})
	assert.NoError(t, e.Shutdown(context.Background()))
}

func TestOTelExporterShutdownDiscardsIncompleteTraces(t *testing.T) {
	e, mem := newOTelHarness(t)

	// A child with no ended root has no tree to attach to.
	e.Export(spanEndedAt("child", "root", time.Now().Add(-time.Second), time.Now()))
	require.NoError(t, e.Shutdown(context.Background()))

	assert.Empty(t, mem.GetSpans())
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.pending)
}
