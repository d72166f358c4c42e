// Package mcp implements the Model Context Protocol server for trapwatch.
//
// The MCP server exposes the read side of the status API through MCP
// resources and tools so that MCP-compatible agents can inspect trap
// health without going through HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/trapwatch/internal/service/traps"
)

const trapsResourceURI = "trapwatch://traps"

// Server wraps the MCP server with the trap status service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	traps     *traps.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(svc *traps.Service, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		traps:  svc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"trapwatch",
		version,
		mcpserver.WithResourceCapabilities(false, true),
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

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			trapsResourceURI,
			"Trap Status",
			mcplib.WithResourceDescription("Current status and accumulated losses of every known steam trap"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTrapsResource,
	)
}

func (s *Server) handleTrapsResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	summaries, err := s.traps.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list traps: %w", err)
	}
	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal traps: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      trapsResourceURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
