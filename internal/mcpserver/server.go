package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all scoring tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("txguard", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolScoreTransaction, h.HandleScoreTransaction)
	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolFlagChargeback, h.HandleFlagChargeback)
	s.AddTool(ToolListUserTransactions, h.HandleListUserTransactions)
	s.AddTool(ToolListRules, h.HandleListRules)

	return s
}
