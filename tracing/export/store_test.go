package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ashiato/tracing"
)

type fakeStore struct {
	mu      sync.Mutex
	created []Record
	updated []Record
	err     error
}

func (s *fakeStore) CreateSpan(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.created = append(s.created, rec)
	return nil
}

func (s *fakeStore) UpdateSpan(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.updated = append(s.updated, rec)
	return nil
}

func testSpan(id, parent string) *tracing.Span {
	return &tracing.Span{
		ID:        id,
		TraceID:   "trace-1",
		ParentID:  parent,
		Name:      "span " + id,
		Type:      tracing.SpanTypeGeneric,
		StartTime: time.Now(),
	}
}

func TestStoreExporterCreateOnStart(t *testing.T) {
	store := &fakeStore{}
	e := NewStoreExporter(store, StoreConfig{Logger: discardLogger()})

	e.Export(tracing.Event{Type: tracing.SpanStarted, Span: testSpan("s1", "")})

	require.Len(t, store.created, 1)
	assert.Empty(t, store.updated)
	rec := store.created[0]
	assert.Equal(t, "s1", rec.SpanID)
	assert.Equal(t, "trace-1", rec.TraceID)
	assert.Nil(t, rec.UpdatedAt)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestStoreExporterUpdateOnLaterTransitions(t *testing.T) {
	store := &fakeStore{}
	e := NewStoreExporter(store, StoreConfig{Logger: discardLogger()})
	span := testSpan("s1", "")

	e.Export(tracing.Event{Type: tracing.SpanStarted, Span: span})
	span.Output = "partial"
	e.Export(tracing.Event{Type: tracing.SpanUpdated, Span: span})
	end := time.Now()
	span.EndTime = &end
	e.Export(tracing.Event{Type: tracing.SpanEnded, Span: span})

	assert.Len(t, store.created, 1)
	require.Len(t, store.updated, 2)
	require.NotNil(t, store.updated[0].UpdatedAt)
	require.NotNil(t, store.updated[1].UpdatedAt)
	require.NotNil(t, store.updated[1].EndedAt)
	assert.Equal(t, "partial", store.updated[1].Output)
}

func TestStoreExporterEventSpanCreatesOnEnd(t *testing.T) {
	store := &fakeStore{}
	e := NewStoreExporter(store, StoreConfig{Logger: discardLogger()})

	span := testSpan("ev1", "s1")
	span.IsEvent = true
	end := span.StartTime
	span.EndTime = &end
	e.Export(tracing.Event{Type: tracing.SpanEnded, Span: span})

	// An event span's ended event is its first sight; there is no row to
	// update yet.
	require.Len(t, store.created, 1)
	assert.Empty(t, store.updated)
	assert.True(t, store.created[0].IsEvent)
}

func TestStoreExporterNilStoreIsDisabled(t *testing.T) {
	e := NewStoreExporter(nil, StoreConfig{Logger: discardLogger()})

	assert.NotPanics(t, func() {
		e.Export(tracing.Event{Type: tracing.SpanStarted, Span: testSpan("s1", "")})
		e.Export(tracing.Event{Type: tracing.SpanEnded, Span: testSpan("s1", "")})
	})
	assert.NoError(t, e.Shutdown(context.Background()))
}

func TestStoreExporterSwallowsStoreErrors(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	e := NewStoreExporter(store, StoreConfig{Logger: discardLogger()})

	assert.NotPanics(t, func() {
		e.Export(tracing.Event{Type: tracing.SpanStarted, Span: testSpan("s1", "")})
	})
}
