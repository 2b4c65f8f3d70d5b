package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ashiato/internal/auth"
	"github.com/ashita-ai/ashiato/internal/model"
	"github.com/ashita-ai/ashiato/store"
	"github.com/ashita-ai/ashiato/tracing/export"
)

const testIngestKey = "ak_test_ingest_key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))
	return st
}

// newTestServer builds a server over an in-memory store. With withAuth, one
// ingest key is configured and every span/trace route requires a bearer token.
func newTestServer(t *testing.T, withAuth bool) (*Server, *store.SQLite) {
	t.Helper()
	st := newTestStore(t)

	cfg := ServerConfig{
		Store:               st,
		Logger:              testLogger(),
		Port:                0,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	}
	if withAuth {
		jwtMgr, err := auth.NewJWTManager("test-secret", time.Hour)
		require.NoError(t, err)
		keyring, err := auth.NewKeyring([]string{testIngestKey})
		require.NoError(t, err)
		cfg.JWTMgr = jwtMgr
		cfg.Keyring = keyring
	}
	return New(cfg), st
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// decodeData unmarshals the "data" field of the standard response envelope.
func decodeData(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func sampleBatch(traceID string) model.IngestSpansRequest {
	now := time.Now().UTC()
	return model.IngestSpansRequest{Spans: []export.Record{
		{
			TraceID:   traceID,
			SpanID:    "span-1",
			Name:      "generation",
			SpanType:  "generation",
			StartedAt: now.Add(-time.Second),
			CreatedAt: now,
		},
	}}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, false)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp model.HealthResponse
	decodeData(t, w, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Storage)
}

func TestIngestWithoutAuthConfigured(t *testing.T) {
	srv, st := newTestServer(t, false)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/spans", "", sampleBatch("t1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp model.IngestSpansResponse
	decodeData(t, w, &resp)
	assert.EqualValues(t, 1, resp.Accepted)

	spans, err := st.GetTrace(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, spans, 1)
}

func TestIngestAuthMatrix(t *testing.T) {
	srv, _ := newTestServer(t, true)
	h := srv.Handler()

	// No token: rejected.
	w := doJSON(t, h, http.MethodPost, "/v1/spans", "", sampleBatch("t1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Garbage token: rejected.
	w = doJSON(t, h, http.MethodPost, "/v1/spans", "not-a-jwt", sampleBatch("t1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong ingest key: no token issued.
	w = doJSON(t, h, http.MethodPost, "/v1/auth/token", "", model.AuthTokenRequest{Key: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Right ingest key: token issued.
	w = doJSON(t, h, http.MethodPost, "/v1/auth/token", "", model.AuthTokenRequest{Key: testIngestKey})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tok model.AuthTokenResponse
	decodeData(t, w, &tok)
	require.NotEmpty(t, tok.Token)

	// Issued token: accepted.
	w = doJSON(t, h, http.MethodPost, "/v1/spans", tok.Token, sampleBatch("t1"))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Health stays open without a token.
	w = doJSON(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIngestValidation(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()

	// Empty batch.
	w := doJSON(t, h, http.MethodPost, "/v1/spans", "", model.IngestSpansRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Missing trace id.
	bad := sampleBatch("t1")
	bad.Spans[0].TraceID = ""
	w = doJSON(t, h, http.MethodPost, "/v1/spans", "", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "traceId is required")

	// Not JSON at all.
	req := httptest.NewRequest(http.MethodPost, "/v1/spans", bytes.NewReader([]byte("nope")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAndListTraces(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodPost, "/v1/spans", "", sampleBatch("t-read"))
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/v1/traces/t-read", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trace model.TraceResponse
	decodeData(t, w, &trace)
	assert.Equal(t, "t-read", trace.TraceID)
	require.Len(t, trace.Spans, 1)
	assert.Equal(t, "span-1", trace.Spans[0].SpanID)

	w = doJSON(t, h, http.MethodGet, "/v1/traces/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodGet, "/v1/traces?limit=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list model.ListTracesResponse
	decodeData(t, w, &list)
	assert.Equal(t, 1, list.Count)
}

func TestRequestBodyLimit(t *testing.T) {
	st := newTestStore(t)
	srv := New(ServerConfig{
		Store:               st,
		Logger:              testLogger(),
		Version:             "test",
		MaxRequestBodyBytes: 64,
	})

	w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/spans", "", sampleBatch("t-big"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
