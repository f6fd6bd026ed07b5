// LoanLens MCP Server - exposes the session API as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/loanlens/internal/mcpserver"
)

// Version is set by ldflags
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("LOANLENS_API_URL", "http://localhost:8080"),
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
