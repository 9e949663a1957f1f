package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrow", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolInitiatePayment, h.HandleInitiatePayment)
	s.AddTool(ToolGetPayment, h.HandleGetPayment)
	s.AddTool(ToolListPayments, h.HandleListPayments)
	s.AddTool(ToolApprovePayment, h.HandleApprovePayment)
	s.AddTool(ToolDisputePayment, h.HandleDisputePayment)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolRequestWithdrawal, h.HandleRequestWithdrawal)
	s.AddTool(ToolListWithdrawals, h.HandleListWithdrawals)
	s.AddTool(ToolPayoutAccount, h.HandlePayoutAccount)

	return s
}
