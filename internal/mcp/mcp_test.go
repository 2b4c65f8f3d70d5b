package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/ashiato/store"
	"github.com/ashita-ai/ashiato/tracing/export"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer seeds an in-memory store with one two-span trace and wraps it
// in an MCP server.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(ctx))

	traceID := "trace-mcp-1"
	root := export.Record{
		TraceID:   traceID,
		SpanID:    "span-root",
		Name:      "generation",
		SpanType:  "generation",
		StartedAt: time.Now().Add(-time.Minute).UTC(),
		CreatedAt: time.Now().UTC(),
	}
	parent := root.SpanID
	child := export.Record{
		TraceID:      traceID,
		SpanID:       "span-step",
		ParentSpanID: &parent,
		Name:         "step 0",
		SpanType:     "step",
		StartedAt:    time.Now().Add(-50 * time.Second).UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	_, err = st.InsertBatch(ctx, []export.Record{root, child})
	require.NoError(t, err)

	return New(st, testLogger(), "test"), traceID
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func TestListTracesTool(t *testing.T) {
	srv, traceID := newTestServer(t)

	result, err := srv.handleListTraces(context.Background(),
		callRequest("ashiato_list_traces", map[string]any{}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var resp struct {
		Traces []store.TraceSummary `json:"traces"`
		Count  int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, traceID, resp.Traces[0].TraceID)
	assert.Equal(t, 2, resp.Traces[0].SpanCount)
}

func TestGetTraceTool(t *testing.T) {
	srv, traceID := newTestServer(t)

	result, err := srv.handleGetTrace(context.Background(),
		callRequest("ashiato_get_trace", map[string]any{"trace_id": traceID}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var resp struct {
		TraceID string          `json:"traceId"`
		Spans   []export.Record `json:"spans"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, traceID, resp.TraceID)
	require.Len(t, resp.Spans, 2)
	assert.Equal(t, "span-root", resp.Spans[0].SpanID)
}

func TestGetTraceToolMissingID(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleGetTrace(context.Background(),
		callRequest("ashiato_get_trace", map[string]any{}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "trace_id is required")
}

func TestGetTraceToolUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleGetTrace(context.Background(),
		callRequest("ashiato_get_trace", map[string]any{"trace_id": "nope"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "trace not found")
}

func TestRecentTracesResource(t *testing.T) {
	srv, traceID := newTestServer(t)

	contents, err := srv.handleTracesRecent(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, traceID)
}

func TestTraceResource(t *testing.T) {
	srv, traceID := newTestServer(t)

	req := mcplib.ReadResourceRequest{}
	req.Params.URI = "ashiato://trace/" + traceID
	contents, err := srv.handleTrace(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, "span-step")
}
