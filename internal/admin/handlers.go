package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trackerjam/escrow/internal/ledger"
	"github.com/trackerjam/escrow/internal/reconciliation"
	"github.com/trackerjam/escrow/internal/validation"
)

// ReconciliationRunner runs the ledger/processor sweep.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
	Last() *reconciliation.Report
}

// Releaser releases payments whose review window has elapsed.
type Releaser interface {
	ReleaseDue(ctx context.Context) int
}

// PendingLister lists pending records created before a cutoff.
type PendingLister interface {
	ListPendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]*ledger.Payment, error)
	ListPendingWithdrawals(ctx context.Context, createdBefore time.Time, limit int) ([]*ledger.Withdrawal, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler ReconciliationRunner
	releaser   Releaser
	pending    PendingLister
	now        func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithReleaser sets the auto-release runner for on-demand release.
func (h *Handler) WithReleaser(r Releaser) *Handler {
	h.releaser = r
	return h
}

// WithPendingLister sets the store used to list stuck records.
func (h *Handler) WithPendingLister(p PendingLister) *Handler {
	h.pending = p
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", h.triggerReconciliation)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/reconciliation/last", h.lastReconciliation)
	r.GET("/admin/payments/stuck", h.listStuck)
	r.POST("/admin/payments/release-due", h.releaseDue)
}

// triggerReconciliation runs an on-demand sweep.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error(), "report": report})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) lastReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}
	report := h.reconciler.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// listStuck returns pending payments and withdrawals older than olderThan
// (default 1h).
func (h *Handler) listStuck(c *gin.Context) {
	if h.pending == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not configured"})
		return
	}

	olderThan := time.Hour
	if s := c.Query("olderThan"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "olderThan must be a duration like 30m or 2h"})
			return
		}
		olderThan = d
	}

	limit := validation.QueryLimit(c, 100, 1000)

	ctx := c.Request.Context()
	now := h.now()
	cutoff := now.Add(-olderThan)

	payments, err := h.pending.ListPendingPayments(ctx, cutoff, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck payments", "message": err.Error()})
		return
	}
	withdrawals, err := h.pending.ListPendingWithdrawals(ctx, cutoff, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck withdrawals", "message": err.Error()})
		return
	}

	stuckP := make([]StuckPayment, 0, len(payments))
	for _, p := range payments {
		stuckP = append(stuckP, stuckPayment(p, now))
	}
	stuckW := make([]StuckWithdrawal, 0, len(withdrawals))
	for _, w := range withdrawals {
		stuckW = append(stuckW, stuckWithdrawal(w, now))
	}

	c.JSON(http.StatusOK, gin.H{
		"payments":    stuckP,
		"withdrawals": stuckW,
		"count":       len(stuckP) + len(stuckW),
	})
}

// releaseDue releases every payment past its review window now.
func (h *Handler) releaseDue(c *gin.Context) {
	if h.releaser == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auto-release not configured"})
		return
	}

	released := h.releaser.ReleaseDue(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"releasedCount": released})
}
