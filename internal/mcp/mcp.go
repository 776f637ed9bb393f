// Package mcp implements the Model Context Protocol server for daiku.
//
// The MCP server exposes the session lifecycle through tools, resources,
// and prompts, so MCP-compatible coding agents can run plan/write/test/
// review workflows without speaking the HTTP API.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/daiku/internal/service/sessions"
)

// Server wraps an MCP server around the session service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	sessions  *sessions.Service
	logger    *slog.Logger
}

// New creates an MCP server with all tools, resources, and prompts
// registered.
func New(svc *sessions.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		sessions: svc,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"daiku",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying MCP server, for mounting on a
// transport.
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
