package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/ashiato/store"
)

func (s *Server) registerTools() {
	// ashiato_list_traces — browse recent traces.
	s.mcpServer.AddTool(
		mcplib.NewTool("ashiato_list_traces",
			mcplib.WithDescription(`List the most recently started agent traces.

Each entry is a summary: trace id, root span name and type, span count, and
start/end times. Use ashiato_get_trace with a trace id to see the full span
tree.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of traces to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListTraces,
	)

	// ashiato_get_trace — fetch one trace's spans.
	s.mcpServer.AddTool(
		mcplib.NewTool("ashiato_get_trace",
			mcplib.WithDescription(`Fetch every span of one trace, ordered by start time.

Spans carry their parent span id, so the tree can be reconstructed: the span
with no parent is the root (usually a generation), steps hang under it, and
chunk and tool-call spans hang under steps. Payload fields (input, output,
attributes) were size-bounded and redacted before export.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trace_id",
				mcplib.Description("The trace to fetch, as returned by ashiato_list_traces"),
				mcplib.Required(),
			),
		),
		s.handleGetTrace,
	)
}

func (s *Server) handleListTraces(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)

	summaries, err := s.reader.ListTraces(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list traces failed: %v", err)), nil
	}
	if summaries == nil {
		summaries = []store.TraceSummary{}
	}

	return jsonResult(map[string]any{
		"traces": summaries,
		"count":  len(summaries),
	})
}

func (s *Server) handleGetTrace(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	traceID := request.GetString("trace_id", "")
	if traceID == "" {
		return errorResult("trace_id is required"), nil
	}

	spans, err := s.reader.GetTrace(ctx, traceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorResult("trace not found: " + traceID), nil
		}
		return errorResult(fmt.Sprintf("get trace failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"traceId": traceID,
		"spans":   spans,
		"count":   len(spans),
	})
}

// jsonResult renders a tool response as indented JSON text content.
func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
