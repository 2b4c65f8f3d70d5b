package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/ashiato/store"
)

func (s *Server) registerResources() {
	// ashiato://traces/recent — summaries of the most recently started traces.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"ashiato://traces/recent",
			"Recent Traces",
			mcplib.WithResourceDescription("Summaries of the most recently started agent traces"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTracesRecent,
	)

	// ashiato://trace/{id} — every span of one trace.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"ashiato://trace/{id}",
			"Trace",
			mcplib.WithTemplateDescription("All spans of a trace, ordered by start time"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTrace,
	)
}

func (s *Server) handleTracesRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	summaries, err := s.reader.ListTraces(ctx, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent traces: %w", err)
	}

	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal summaries: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "ashiato://traces/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleTrace(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	traceID := strings.TrimPrefix(request.Params.URI, "ashiato://trace/")
	if traceID == "" || traceID == request.Params.URI {
		return nil, fmt.Errorf("mcp: invalid trace URI: %s", request.Params.URI)
	}

	spans, err := s.reader.GetTrace(ctx, traceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("mcp: trace not found: %s", traceID)
		}
		return nil, fmt.Errorf("mcp: load trace: %w", err)
	}

	data, err := json.MarshalIndent(spans, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal trace: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
