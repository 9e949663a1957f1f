package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trackerjam/escrow/internal/ledger"
	"github.com/trackerjam/escrow/internal/marketplace"
	"github.com/trackerjam/escrow/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware()
	r.POST("/jobs/:id/payment", ids, h.InitiatePayment)
	r.GET("/payments", h.ListPayments)
	r.GET("/payments/:id", ids, h.GetPayment)
	r.POST("/payments/:id/approve", ids, h.ApprovePayment)
	r.POST("/payments/:id/dispute", ids, h.DisputePayment)
}

// InitiatePayment handles POST /v1/jobs/:id/payment
func (h *Handler) InitiatePayment(c *gin.Context) {
	userID := c.GetString("authUserID")

	payment, err := h.service.Initiate(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, ErrPaymentExists) && payment != nil {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "payment_exists",
				"message": "Job already has an active payment",
				"payment": payment,
			})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": payment})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	userID := c.GetString("authUserID")

	payment, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !IsParticipant(payment, userID) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not a participant of this payment",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ListPayments handles GET /v1/payments
func (h *Handler) ListPayments(c *gin.Context) {
	userID := c.GetString("authUserID")
	status := c.Query("status")
	if validation.Reject(c, validation.Validate(validation.OneOf("status", status,
		string(ledger.PaymentPending), string(ledger.PaymentCompleted),
		string(ledger.PaymentFailed), string(ledger.PaymentRefunded),
	))) {
		return
	}
	limit := validation.QueryLimit(c, 50, 200)

	payments, err := h.service.List(c.Request.Context(), userID, ledger.PaymentStatus(status), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"count":    len(payments),
	})
}

// ApprovePayment handles POST /v1/payments/:id/approve
func (h *Handler) ApprovePayment(c *gin.Context) {
	userID := c.GetString("authUserID")

	payment, err := h.service.Approve(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// DisputePayment handles POST /v1/payments/:id/dispute
func (h *Handler) DisputePayment(c *gin.Context) {
	userID := c.GetString("authUserID")

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, MaxDisputeReason)
	if validation.Reject(c, validation.Validate(validation.Required("reason", req.Reason))) {
		return
	}

	payment, err := h.service.Dispute(c.Request.Context(), c.Param("id"), userID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "Internal error"
	switch {
	case errors.Is(err, ledger.ErrPaymentNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Payment not found"
	case errors.Is(err, marketplace.ErrJobNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Job not found"
	case errors.Is(err, ErrUnauthorized):
		status, code, message = http.StatusForbidden, "unauthorized", "Only the business on this job may do that"
	case errors.Is(err, marketplace.ErrNoAcceptedBid):
		status, code, message = http.StatusConflict, "no_accepted_bid", "Job has no accepted bid"
	case errors.Is(err, ErrPaymentExists):
		status, code, message = http.StatusConflict, "payment_exists", "Job already has an active payment"
	case errors.Is(err, ErrReviewWindowClosed):
		status, code, message = http.StatusConflict, "review_window_closed", "The review window has closed"
	case errors.Is(err, ErrInvalidStatus):
		status, code, message = http.StatusConflict, "invalid_state", err.Error()
	case errors.Is(err, ErrNoPayoutAccount):
		status, code, message = http.StatusUnprocessableEntity, "no_payout_account", "Freelancer has not completed payout onboarding"
	case errors.Is(err, ErrAmountTooSmall):
		status, code, message = http.StatusUnprocessableEntity, "amount_too_small", err.Error()
	case errors.Is(err, ErrReasonRequired):
		status, code, message = http.StatusBadRequest, "invalid_request", "Reason is required"
	case errors.Is(err, ErrPaymentSetupFailed):
		status, code, message = http.StatusBadGateway, "payment_setup_failed", "Could not place the payment hold, try again"
	case errors.Is(err, ErrReleaseFailed):
		status, code, message = http.StatusBadGateway, "release_failed", "Could not release the payment, try again"
	case errors.Is(err, ErrRefundFailed):
		status, code, message = http.StatusBadGateway, "refund_failed", "Dispute recorded; the refund will be retried"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
