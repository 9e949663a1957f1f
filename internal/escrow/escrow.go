// Package escrow runs the payment lifecycle for a job engagement.
//
// Flow:
//  1. Business accepts a bid and initiates payment: a hold is placed at the
//     processor for the bid amount and a pending payment is recorded
//  2. Business approves the work: the hold is captured, the payment
//     completes and the net amount counts toward the freelancer's balance
//  3. Business disputes within the review window: the hold is voided and
//     the payment is refunded
//  4. Review window elapses without a dispute: the timer releases it
//
// The ledger status always follows the processor: a status is written only
// after the processor call it records has succeeded.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trackerjam/escrow/internal/fees"
	"github.com/trackerjam/escrow/internal/ledger"
	"github.com/trackerjam/escrow/internal/marketplace"
	"github.com/trackerjam/escrow/internal/notify"
	"github.com/trackerjam/escrow/internal/processor"
	"github.com/trackerjam/escrow/internal/retry"
	"github.com/trackerjam/escrow/internal/syncutil"
)

var (
	ErrUnauthorized       = errors.New("escrow: not authorized for this payment")
	ErrInvalidStatus      = errors.New("escrow: invalid payment status for this operation")
	ErrReviewWindowClosed = errors.New("escrow: review window has closed")
	ErrNoPayoutAccount    = errors.New("escrow: freelancer has no verified payout account")
	ErrAmountTooSmall     = errors.New("escrow: amount is below the minimum payment")
	ErrPaymentExists      = errors.New("escrow: job already has an active payment")
	ErrPaymentSetupFailed = errors.New("escrow: payment setup failed")
	ErrReleaseFailed      = errors.New("escrow: payment release failed")
	ErrRefundFailed       = errors.New("escrow: payment refund failed")
	ErrReasonRequired     = errors.New("escrow: dispute reason is required")
	ErrNotDue             = errors.New("escrow: review window still open")
	ErrHoldUnconfirmed    = errors.New("escrow: payer never confirmed the hold")
)

// DefaultReviewWindow is how long a business has to approve or dispute
// before the payment is released automatically.
const DefaultReviewWindow = 48 * time.Hour

// Triggers recorded on payment transitions.
const (
	TriggerInitiate    = "initiate"
	TriggerApprove     = "approve"
	TriggerAutoRelease = "auto_release"
	TriggerDispute     = "dispute"
	TriggerHoldExpired = "hold_expired"
	TriggerUnconfirmed = "hold_unconfirmed"
)

// MaxDisputeReason caps the stored dispute reason in bytes.
const MaxDisputeReason = 2000

// DisputeRequest is the body of a dispute call.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Service implements the escrow state machine.
type Service struct {
	ledger   ledger.Store
	gateway  processor.Gateway
	jobs     marketplace.Jobs
	profiles marketplace.Profiles
	fees     fees.Policy
	notifier notify.Notifier
	locks    syncutil.Locker
	policy   retry.Policy
	window   time.Duration
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an escrow service charging the default fee policy.
func NewService(store ledger.Store, gateway processor.Gateway, jobs marketplace.Jobs, profiles marketplace.Profiles, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:   store,
		gateway:  gateway,
		jobs:     jobs,
		profiles: profiles,
		fees:     fees.Default(),
		notifier: notify.Nop{},
		locks:    syncutil.NewShardedLocker(),
		policy:   retry.DefaultPolicy(),
		window:   DefaultReviewWindow,
		currency: "usd",
		logger:   logger,
		now:      time.Now,
	}
}

// WithFeePolicy sets the commission policy.
func (s *Service) WithFeePolicy(p fees.Policy) *Service {
	s.fees = p
	return s
}

// WithNotifier sets where lifecycle notifications go.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithLocker replaces the in-process payment lock.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	if l != nil {
		s.locks = l
	}
	return s
}

// WithRetryPolicy sets the retry policy for processor writes.
func (s *Service) WithRetryPolicy(p retry.Policy) *Service {
	s.policy = p
	return s
}

// WithReviewWindow sets the review window for new payments.
func (s *Service) WithReviewWindow(d time.Duration) *Service {
	if d > 0 {
		s.window = d
	}
	return s
}

// WithCurrency sets the settlement currency sent to the processor.
func (s *Service) WithCurrency(c string) *Service {
	if c != "" {
		s.currency = c
	}
	return s
}

// ReviewWindow returns the configured review window.
func (s *Service) ReviewWindow() time.Duration { return s.window }

// lock serializes transitions of one payment (or one job, for initiation)
// within this process. Cross-process races are settled by the ledger CAS.
func (s *Service) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("escrow: acquire lock %s: %w", key, err)
	}
	return unlock, nil
}

// withRetry runs a processor write under the retry policy. Only transient
// failures are retried.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p := s.policy
	p.Retryable = processor.IsTransient
	p.OnRetry = func(attempt int, err error) {
		s.logger.Warn("processor call failed, retrying", "op", op, "attempt", attempt, "error", err)
	}
	return retry.Do(ctx, p, func(int) error { return fn(ctx) })
}

// canAct reports whether actor may act for the business on p. An empty
// actor is a trusted internal caller.
func canAct(actor, businessID string) bool {
	return actor == "" || actor == businessID
}

// IsParticipant reports whether userID is either side of the payment.
func IsParticipant(p *ledger.Payment, userID string) bool {
	return userID != "" && (p.BusinessID == userID || p.FreelancerID == userID)
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Payment, error) {
	return s.ledger.GetPayment(ctx, id)
}

// List returns payments where userID is the business or the freelancer.
func (s *Service) List(ctx context.Context, userID string, status ledger.PaymentStatus, limit int) ([]*ledger.Payment, error) {
	return s.ledger.ListPayments(ctx, ledger.PaymentFilter{
		ParticipantID: userID,
		Status:        status,
		Limit:         limit,
	})
}
