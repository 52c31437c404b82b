// Control plane MCP server - exposes payment-gating capabilities as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/paysentry/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("PAYSENTRY_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("PAYSENTRY_API_KEY"),
		AgentID: os.Getenv("PAYSENTRY_AGENT_ID"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "PAYSENTRY_API_KEY is required")
		os.Exit(1)
	}
	if cfg.AgentID == "" {
		fmt.Fprintln(os.Stderr, "PAYSENTRY_AGENT_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
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
