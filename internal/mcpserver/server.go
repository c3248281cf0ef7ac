package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all credit tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("creditrisk", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetCreditProfile, h.HandleGetCreditProfile)
	s.AddTool(ToolRecomputeCreditScore, h.HandleRecomputeCreditScore)
	s.AddTool(ToolListCreditProfiles, h.HandleListCreditProfiles)
	s.AddTool(ToolExplainCreditScore, h.HandleExplainCreditScore)
	s.AddTool(ToolGetPortfolioSummary, h.HandleGetPortfolioSummary)
	s.AddTool(ToolFindCustomer, h.HandleFindCustomer)

	return s
}
