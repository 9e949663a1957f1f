package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleInitiatePayment funds escrow for a job.
func (h *Handlers) HandleInitiatePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := req.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id is required"), nil
	}

	raw, err := h.client.InitiatePayment(ctx, jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to initiate payment: %v", err)), nil
	}
	return paymentResult(raw)
}

// HandleGetPayment shows one payment.
func (h *Handlers) HandleGetPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.GetPayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}
	return paymentResult(raw)
}

// HandleListPayments lists the user's payments.
func (h *Handlers) HandleListPayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListPayments(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list payments: %v", err)), nil
	}

	text, err := formatPaymentList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payments: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleApprovePayment releases funds to the freelancer.
func (h *Handlers) HandleApprovePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.ApprovePayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to approve payment: %v", err)), nil
	}
	return paymentResult(raw)
}

// HandleDisputePayment voids the hold.
func (h *Handlers) HandleDisputePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	reason := strings.TrimSpace(req.GetString("reason", ""))
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.DisputePayment(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to dispute payment: %v", err)), nil
	}
	return paymentResult(raw)
}

// HandleCheckBalance returns the freelancer's balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRequestWithdrawal withdraws to the payout account.
func (h *Handlers) HandleRequestWithdrawal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.RequestWithdrawal(ctx, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Withdrawal failed: %v", err)), nil
	}

	var resp struct {
		Withdrawal map[string]any `json:"withdrawal"`
		Message    string         `json:"message"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Withdrawal == nil {
		return mcp.NewToolResultError("Failed to parse withdrawal"), nil
	}

	var sb strings.Builder
	sb.WriteString(formatWithdrawal(resp.Withdrawal))
	if resp.Message != "" {
		fmt.Fprintf(&sb, "\n%s", resp.Message)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListWithdrawals lists withdrawals.
func (h *Handlers) HandleListWithdrawals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListWithdrawals(ctx, req.GetInt("limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list withdrawals: %v", err)), nil
	}

	var resp struct {
		Withdrawals []map[string]any `json:"withdrawals"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse withdrawals: %v", err)), nil
	}
	if len(resp.Withdrawals) == 0 {
		return mcp.NewToolResultText("No withdrawals yet."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d withdrawal(s):\n", len(resp.Withdrawals))
	for _, w := range resp.Withdrawals {
		fmt.Fprintf(&sb, "\n- %s: %s %s (%s)",
			getString(w, "id"), getString(w, "amount"), strings.ToUpper(getString(w, "currency")), getString(w, "status"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandlePayoutAccount reports payout onboarding state.
func (h *Handlers) HandlePayoutAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPayoutAccount(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check payout account: %v", err)), nil
	}

	var resp struct {
		AccountID string `json:"accountId"`
		Connected bool   `json:"connected"`
		Verified  bool   `json:"verified"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payout account: %v", err)), nil
	}

	switch {
	case !resp.Connected:
		return mcp.NewToolResultText("No payout account connected. Start onboarding from your profile page."), nil
	case !resp.Verified:
		return mcp.NewToolResultText(fmt.Sprintf(
			"Payout account %s is connected but not yet verified. Finish onboarding to receive funds.", resp.AccountID)), nil
	default:
		return mcp.NewToolResultText(fmt.Sprintf("Payout account %s is verified and can receive funds.", resp.AccountID)), nil
	}
}

// --- Formatting helpers ---

// paymentResult renders a {"payment": {...}} response.
func paymentResult(raw json.RawMessage) (*mcp.CallToolResult, error) {
	var resp struct {
		Payment map[string]any `json:"payment"`
		Message string         `json:"message"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Payment == nil {
		return mcp.NewToolResultError("Failed to parse payment"), nil
	}
	text := formatPayment(resp.Payment)
	if resp.Message != "" {
		text = resp.Message + "\n\n" + text
	}
	return mcp.NewToolResultText(text), nil
}

func formatPayment(p map[string]any) string {
	currency := strings.ToUpper(getString(p, "currency"))

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment: %s\n", getString(p, "id"))
	fmt.Fprintf(&sb, "Job: %s\n", getString(p, "jobId"))
	fmt.Fprintf(&sb, "Status: %s\n", getString(p, "status"))
	fmt.Fprintf(&sb, "Amount: %s %s (fee %s, freelancer receives %s)\n",
		getString(p, "grossAmount"), currency, getString(p, "platformFee"), getString(p, "netAmount"))
	if d := getString(p, "reviewDeadline"); d != "" && getString(p, "status") == "pending" {
		fmt.Fprintf(&sb, "Review deadline: %s\n", d)
	}
	if r := getString(p, "disputeReason"); r != "" {
		fmt.Fprintf(&sb, "Dispute reason: %s\n", r)
	}
	if r := getString(p, "failureReason"); r != "" {
		fmt.Fprintf(&sb, "Failure: %s\n", r)
	}
	if getString(p, "clientSecret") != "" {
		sb.WriteString("Card confirmation required: complete it in the browser to place the hold.\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatPaymentList(raw json.RawMessage) (string, error) {
	var resp struct {
		Payments []map[string]any `json:"payments"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Payments) == 0 {
		return "No payments found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d payment(s):\n", len(resp.Payments))
	for _, p := range resp.Payments {
		fmt.Fprintf(&sb, "\n- %s for job %s: %s %s (%s)",
			getString(p, "id"), getString(p, "jobId"),
			getString(p, "grossAmount"), strings.ToUpper(getString(p, "currency")), getString(p, "status"))
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Available: %s\n", getString(m, "available"))
	fmt.Fprintf(&sb, "Pending in escrow: %s\n", getString(m, "pendingEscrow"))
	fmt.Fprintf(&sb, "Withdrawals in flight: %s\n", getString(m, "inFlight"))
	fmt.Fprintf(&sb, "Total earned: %s\n", getString(m, "totalEarned"))
	fmt.Fprintf(&sb, "Total withdrawn: %s", getString(m, "totalWithdrawn"))
	return sb.String(), nil
}

func formatWithdrawal(w map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Withdrawal: %s\n", getString(w, "id"))
	fmt.Fprintf(&sb, "Amount: %s %s\n", getString(w, "amount"), strings.ToUpper(getString(w, "currency")))
	fmt.Fprintf(&sb, "Status: %s", getString(w, "status"))
	if r := getString(w, "failureReason"); r != "" {
		fmt.Fprintf(&sb, "\nFailure: %s", r)
	}
	return sb.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
