package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ashiato/tracing"
)

func endedEvent(id string) tracing.Event {
	span := testSpan(id, "")
	end := time.Now()
	span.EndTime = &end
	return tracing.Event{Type: tracing.SpanEnded, Span: span}
}

func TestHTTPExporterPostsBatch(t *testing.T) {
	type received struct {
		auth        string
		contentType string
		path        string
		batch       spanBatch
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch spanBatch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		got <- received{
			auth:        r.Header.Get("Authorization"),
			contentType: r.Header.Get("Content-Type"),
			path:        r.URL.Path,
			batch:       batch,
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := NewHTTPExporter(HTTPConfig{
		Endpoint:    srv.URL,
		AccessToken: "tok-123",
		Batch:       BatchConfig{MaxBatchSize: 2, MaxBatchWait: time.Hour},
		Logger:      discardLogger(),
	})

	e.Export(endedEvent("s1"))
	e.Export(endedEvent("s2"))

	select {
	case r := <-got:
		assert.Equal(t, "Bearer tok-123", r.auth)
		assert.Equal(t, "application/json", r.contentType)
		assert.Equal(t, "/v1/spans", r.path)
		require.Len(t, r.batch.Spans, 2)
		assert.Equal(t, "s1", r.batch.Spans[0].SpanID)
		assert.Equal(t, "s2", r.batch.Spans[1].SpanID)
	case <-time.After(2 * time.Second):
		t.Fatal("no batch arrived")
	}

	require.NoError(t, e.Shutdown(context.Background()))
}

func TestHTTPExporterOnlyShipsEndedSpans(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := NewHTTPExporter(HTTPConfig{
		Endpoint:    srv.URL,
		AccessToken: "tok",
		Batch:       BatchConfig{MaxBatchSize: 1, MaxBatchWait: time.Hour},
		Logger:      discardLogger(),
	})

	e.Export(tracing.Event{Type: tracing.SpanStarted, Span: testSpan("s1", "")})
	e.Export(tracing.Event{Type: tracing.SpanUpdated, Span: testSpan("s1", "")})
	require.NoError(t, e.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, requests, "started and updated events are not exportable")
}

func TestHTTPExporterRetriesThenDropsBatch(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewHTTPExporter(HTTPConfig{
		Endpoint:    srv.URL,
		AccessToken: "tok",
		Batch:       BatchConfig{MaxBatchSize: 1, MaxBatchWait: time.Hour, MaxRetries: 2},
		Logger:      discardLogger(),
	})

	e.Export(endedEvent("s1"))

	require.Eventually(t, func() bool { return e.batcher.Dropped() == 1 }, 10*time.Second, 20*time.Millisecond)
	mu.Lock()
	attempts := requests
	mu.Unlock()
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
	assert.Zero(t, e.batcher.Len(), "exhausted batches are dropped, not requeued")

	require.NoError(t, e.Shutdown(context.Background()))
}

func TestHTTPExporterDisabledWithoutCredentials(t *testing.T) {
	logBuf := &syncBuffer{}
	e := NewHTTPExporter(HTTPConfig{
		Endpoint: "", // no endpoint, no token
		Logger:   slog.New(slog.NewTextHandler(logBuf, nil)),
	})

	assert.NotPanics(t, func() {
		e.Export(endedEvent("s1"))
		e.Export(endedEvent("s2"))
	})
	require.NoError(t, e.Shutdown(context.Background()))

	assert.Equal(t, 1, strings.Count(logBuf.String(), "http exporter disabled"),
		"the missing-configuration warning is logged once")
}

func TestHTTPExporterEndpointTrimming(t *testing.T) {
	e := NewHTTPExporter(HTTPConfig{
		Endpoint:    "https://collector.example.com/",
		AccessToken: "tok",
		Logger:      discardLogger(),
	})
	defer func() { _ = e.Shutdown(context.Background()) }()

	assert.Equal(t, "https://collector.example.com/v1/spans", e.url)
}
