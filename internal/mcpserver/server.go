package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all control-plane tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("paysentry", "1.0.0")
	client := NewControlPlaneClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolEvaluatePayment, h.HandleEvaluatePayment)
	s.AddTool(ToolGetSpend, h.HandleGetSpend)
	s.AddTool(ToolListAlerts, h.HandleListAlerts)
	s.AddTool(ToolFileDispute, h.HandleFileDispute)
	s.AddTool(ToolBreakerStatus, h.HandleBreakerStatus)

	return s
}
