package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all LoanLens tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("loanlens", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCreateSession, h.HandleCreateSession)
	s.AddTool(ToolGetSession, h.HandleGetSession)
	s.AddTool(ToolGetAnalytics, h.HandleGetAnalytics)
	s.AddTool(ToolAdvancePhase, h.HandleAdvancePhase)
	s.AddTool(ToolListPatterns, h.HandleListPatterns)

	return s
}
