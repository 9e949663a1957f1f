package marketplace

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Onboarder creates processor payee accounts and onboarding links.
type Onboarder interface {
	CreatePayeeAccount(ctx context.Context, email string) (string, error)
	OnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error)
}

// Handler serves payout account onboarding.
type Handler struct {
	profiles  Profiles
	onboarder Onboarder
	returnURL string
	logger    *slog.Logger
}

// NewHandler creates an onboarding handler. returnURL is where the hosted
// onboarding flow sends the freelancer back to.
func NewHandler(profiles Profiles, onboarder Onboarder, returnURL string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{profiles: profiles, onboarder: onboarder, returnURL: returnURL, logger: logger}
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/payout-account", h.GetPayoutAccount)
	r.POST("/payout-account/onboard", h.Onboard)
}

// GetPayoutAccount handles GET /v1/payout-account
func (h *Handler) GetPayoutAccount(c *gin.Context) {
	userID := c.GetString("authUserID")
	ctx := c.Request.Context()

	account, ok, err := h.profiles.GetPayoutAccount(ctx, userID)
	if err != nil {
		h.profileError(c, err)
		return
	}
	verified := false
	if ok {
		verified, err = h.profiles.HasVerifiedPayoutAccount(ctx, userID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "processor_unavailable",
				"message": "Could not check payout account",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId": account,
		"connected": ok,
		"verified":  verified,
	})
}

// Onboard handles POST /v1/payout-account/onboard
func (h *Handler) Onboard(c *gin.Context) {
	userID := c.GetString("authUserID")
	ctx := c.Request.Context()

	account, ok, err := h.profiles.GetPayoutAccount(ctx, userID)
	if err != nil {
		h.profileError(c, err)
		return
	}

	if !ok {
		email, err := h.profiles.GetEmail(ctx, userID)
		if err != nil {
			h.profileError(c, err)
			return
		}
		account, err = h.onboarder.CreatePayeeAccount(ctx, email)
		if err != nil {
			h.logger.Error("create payee account failed", "user_id", userID, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "processor_error",
				"message": "Failed to create payout account",
			})
			return
		}
		if err := h.profiles.SetPayoutAccount(ctx, userID, account); err != nil {
			h.logger.Error("store payout account failed", "user_id", userID, "account", account, "error", err)
			h.profileError(c, err)
			return
		}
		h.logger.Info("payout account created", "user_id", userID, "account", account)
	}

	url, err := h.onboarder.OnboardingLink(ctx, account, h.returnURL+"?refresh=1", h.returnURL)
	if err != nil {
		h.logger.Error("onboarding link failed", "user_id", userID, "account", account, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "processor_error",
			"message": "Failed to create onboarding link",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accountId": account, "url": url})
}

func (h *Handler) profileError(c *gin.Context, err error) {
	if errors.Is(err, ErrProfileNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Profile not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to load profile",
	})
}
