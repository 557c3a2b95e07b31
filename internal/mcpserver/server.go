package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all scoring tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("anomaly-scoring", "1.0.0")
	h := NewHandlers(NewAPIClient(cfg))

	s.AddTool(ToolQueryTransactions, h.HandleQueryTransactions)
	s.AddTool(ToolExplainTransaction, h.HandleExplainTransaction)
	s.AddTool(ToolGetStatistics, h.HandleGetStatistics)
	s.AddTool(ToolGetUserProfile, h.HandleGetUserProfile)
	s.AddTool(ToolTrainModel, h.HandleTrainModel)
	s.AddTool(ToolScoreAll, h.HandleScoreAll)

	return s
}
