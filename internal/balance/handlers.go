package balance

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trackerjam/escrow/internal/money"
	"github.com/trackerjam/escrow/internal/validation"
)

// WithdrawRequest is the body of POST /v1/withdrawals.
type WithdrawRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Handler provides HTTP endpoints for balances and withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates a new balance handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/balance", h.GetBalance)
	r.GET("/withdrawals", h.ListWithdrawals)
	r.POST("/withdrawals", h.RequestWithdrawal)
}

// GetBalance handles GET /v1/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.GetString("authUserID")

	summary, err := h.service.GetSummary(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"available":      money.Format(summary.Available),
		"pendingEscrow":  money.Format(summary.PendingEscrow),
		"inFlight":       money.Format(summary.InFlight),
		"totalEarned":    money.Format(summary.TotalEarned),
		"totalWithdrawn": money.Format(summary.TotalWithdrawn),
	})
}

// ListWithdrawals handles GET /v1/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	userID := c.GetString("authUserID")
	limit := validation.QueryLimit(c, 50, 200)

	withdrawals, err := h.service.ListWithdrawals(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list withdrawals",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"withdrawals": withdrawals,
		"count":       len(withdrawals),
	})
}

// RequestWithdrawal handles POST /v1/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	userID := c.GetString("authUserID")

	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Amount is required",
		})
		return
	}
	if validation.Reject(c, validation.Validate(validation.ValidAmount("amount", req.Amount))) {
		return
	}
	amount, _ := money.Parse(req.Amount)

	w, err := h.service.RequestWithdrawal(c.Request.Context(), userID, amount)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		message := "Withdrawal failed"
		switch {
		case errors.Is(err, ErrAmountTooSmall):
			status, code, message = http.StatusUnprocessableEntity, "amount_too_small", "Minimum withdrawal is "+money.Format(money.MinimumWithdrawal)
		case errors.Is(err, ErrInsufficientBalance):
			status, code, message = http.StatusUnprocessableEntity, "insufficient_balance", "Amount exceeds available balance"
		case errors.Is(err, ErrNoPayoutAccount):
			status, code, message = http.StatusUnprocessableEntity, "no_payout_account", "Complete payout onboarding first"
		case errors.Is(err, ErrTransferPending):
			c.JSON(http.StatusAccepted, gin.H{"withdrawal": w, "message": "Transfer is being confirmed"})
			return
		case errors.Is(err, ErrTransferFailed):
			status, code, message = http.StatusBadGateway, "transfer_failed", "The transfer was rejected"
		}
		body := gin.H{"error": code, "message": message}
		if w != nil {
			body["withdrawal"] = w
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}
