package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolInitiatePayment = mcp.NewTool("initiate_payment",
	mcp.WithDescription(
		"Fund escrow for a job you posted. Places a hold on your card for the accepted bid. "+
			"The freelancer is paid when you approve, or automatically when the review window ends."),
	mcp.WithString("job_id",
		mcp.Required(),
		mcp.Description("The job whose accepted bid should be funded")),
)

var ToolGetPayment = mcp.NewTool("get_payment",
	mcp.WithDescription(
		"Show one escrow payment: amounts, platform fee, status, and review deadline."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment ID (e.g. 'pay_...')")),
)

var ToolListPayments = mcp.NewTool("list_payments",
	mcp.WithDescription(
		"List escrow payments you are a party to, as business or freelancer."),
	mcp.WithString("status",
		mcp.Description("Only payments in this status"),
		mcp.Enum("pending", "completed", "failed", "refunded")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of payments to return (default 50)")),
)

var ToolApprovePayment = mcp.NewTool("approve_payment",
	mcp.WithDescription(
		"Approve delivered work and release the held funds to the freelancer. "+
			"Only the business on the job may approve, and only before the review deadline."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment to release")),
)

var ToolDisputePayment = mcp.NewTool("dispute_payment",
	mcp.WithDescription(
		"Dispute a held payment. The hold is voided and nothing is charged. "+
			"Only possible before the review deadline."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the work was not acceptable")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your freelancer balance: available to withdraw, pending in escrow, "+
			"in-flight withdrawals, and lifetime totals."),
)

var ToolRequestWithdrawal = mcp.NewTool("request_withdrawal",
	mcp.WithDescription(
		"Withdraw part of your available balance to your connected payout account."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to withdraw (e.g. '25.00')")),
)

var ToolListWithdrawals = mcp.NewTool("list_withdrawals",
	mcp.WithDescription("List your withdrawals, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of withdrawals to return (default 50)")),
)

var ToolPayoutAccount = mcp.NewTool("payout_account_status",
	mcp.WithDescription(
		"Check whether your payout account is connected and verified to receive funds."),
)
