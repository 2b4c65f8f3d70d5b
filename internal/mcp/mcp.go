// Package mcp implements the Model Context Protocol server for Ashiato.
//
// The MCP server exposes the collector's stored traces as resources and
// tools, so MCP-compatible AI agents and inspector UIs can browse what the
// tracing pipeline captured without speaking the HTTP API.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/ashiato/store"
)

// Server wraps the MCP server with the collector's trace store.
type Server struct {
	mcpServer *mcpserver.MCPServer
	reader    store.TraceReader
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(reader store.TraceReader, logger *slog.Logger, version string) *Server {
	s := &Server{
		reader: reader,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"ashiato",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
