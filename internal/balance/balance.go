// Package balance derives freelancer balances from the ledger and executes
// withdrawals as processor transfers.
//
// The available balance is never stored: it is recomputed from completed
// payments and completed withdrawals on every read. A withdrawal is checked
// against that figure minus withdrawals still in flight, under a
// per-freelancer lock, so concurrent requests cannot overdraw.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trackerjam/escrow/internal/idgen"
	"github.com/trackerjam/escrow/internal/ledger"
	"github.com/trackerjam/escrow/internal/logging"
	"github.com/trackerjam/escrow/internal/marketplace"
	"github.com/trackerjam/escrow/internal/metrics"
	"github.com/trackerjam/escrow/internal/money"
	"github.com/trackerjam/escrow/internal/notify"
	"github.com/trackerjam/escrow/internal/processor"
	"github.com/trackerjam/escrow/internal/retry"
	"github.com/trackerjam/escrow/internal/syncutil"
	"github.com/trackerjam/escrow/internal/traces"
)

var (
	ErrInsufficientBalance = errors.New("balance: insufficient available balance")
	ErrAmountTooSmall      = errors.New("balance: amount is below the minimum withdrawal")
	ErrNoPayoutAccount     = errors.New("balance: no verified payout account")
	ErrTransferFailed      = errors.New("balance: transfer failed")
	// ErrTransferPending means the processor could not be reached and the
	// outcome is unknown. The withdrawal stays pending until reconciled.
	ErrTransferPending = errors.New("balance: transfer outcome unknown, withdrawal pending")
)

// Summary is a freelancer's balance breakdown.
type Summary struct {
	Available      decimal.Decimal `json:"available"`
	PendingEscrow  decimal.Decimal `json:"pendingEscrow"`
	InFlight       decimal.Decimal `json:"inFlight"`
	TotalEarned    decimal.Decimal `json:"totalEarned"`
	TotalWithdrawn decimal.Decimal `json:"totalWithdrawn"`
}

// Service computes balances and runs withdrawals.
type Service struct {
	ledger   ledger.Store
	gateway  processor.Gateway
	profiles marketplace.Profiles
	notifier notify.Notifier
	locks    syncutil.Locker
	policy   retry.Policy
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a balance service with an in-process lock.
func NewService(store ledger.Store, gateway processor.Gateway, profiles marketplace.Profiles, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:   store,
		gateway:  gateway,
		profiles: profiles,
		notifier: notify.Nop{},
		locks:    syncutil.NewShardedLocker(),
		policy:   retry.DefaultPolicy(),
		currency: "usd",
		logger:   logger,
		now:      time.Now,
	}
}

// WithLocker replaces the withdrawal lock, e.g. with a Redis lock shared by
// every instance.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	if l != nil {
		s.locks = l
	}
	return s
}

// WithNotifier sets where withdrawal notifications go.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithRetryPolicy sets the retry policy for transfers.
func (s *Service) WithRetryPolicy(p retry.Policy) *Service {
	s.policy = p
	return s
}

// WithCurrency sets the transfer currency.
func (s *Service) WithCurrency(c string) *Service {
	if c != "" {
		s.currency = c
	}
	return s
}

// GetAvailableBalance returns completed earnings minus completed withdrawals.
func (s *Service) GetAvailableBalance(ctx context.Context, freelancerID string) (decimal.Decimal, error) {
	earned, withdrawn, err := s.totals(ctx, freelancerID)
	if err != nil {
		return decimal.Zero, err
	}
	return earned.Sub(withdrawn), nil
}

func (s *Service) totals(ctx context.Context, freelancerID string) (earned, withdrawn decimal.Decimal, err error) {
	payments, err := s.ledger.ListCompletedPayments(ctx, freelancerID)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("balance: list completed payments: %w", err)
	}
	withdrawals, err := s.ledger.ListCompletedWithdrawals(ctx, freelancerID)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("balance: list completed withdrawals: %w", err)
	}
	return ledger.SumNet(payments), ledger.SumWithdrawn(withdrawals), nil
}

func (s *Service) inFlight(ctx context.Context, freelancerID string) (decimal.Decimal, error) {
	pending, err := s.ledger.ListWithdrawals(ctx, ledger.WithdrawalFilter{
		FreelancerID: freelancerID,
		Status:       ledger.WithdrawalPending,
		Limit:        1000,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance: list pending withdrawals: %w", err)
	}
	return ledger.SumWithdrawn(pending), nil
}

// GetSummary returns the available balance together with money still held
// in escrow and withdrawals not yet settled.
func (s *Service) GetSummary(ctx context.Context, freelancerID string) (*Summary, error) {
	earned, withdrawn, err := s.totals(ctx, freelancerID)
	if err != nil {
		return nil, err
	}
	inFlight, err := s.inFlight(ctx, freelancerID)
	if err != nil {
		return nil, err
	}
	pending, err := s.ledger.ListPayments(ctx, ledger.PaymentFilter{
		FreelancerID: freelancerID,
		Status:       ledger.PaymentPending,
		Limit:        1000,
	})
	if err != nil {
		return nil, fmt.Errorf("balance: list pending payments: %w", err)
	}
	return &Summary{
		Available:      earned.Sub(withdrawn),
		PendingEscrow:  ledger.SumNet(pending),
		InFlight:       inFlight,
		TotalEarned:    earned,
		TotalWithdrawn: withdrawn,
	}, nil
}

// ListWithdrawals returns the freelancer's withdrawals, newest first.
func (s *Service) ListWithdrawals(ctx context.Context, freelancerID string, limit int) ([]*ledger.Withdrawal, error) {
	return s.ledger.ListWithdrawals(ctx, ledger.WithdrawalFilter{FreelancerID: freelancerID, Limit: limit})
}

// RequestWithdrawal transfers amount to the freelancer's payout account.
// On a rejected transfer the failed record is returned with the error.
func (s *Service) RequestWithdrawal(ctx context.Context, freelancerID string, amount decimal.Decimal) (w *ledger.Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "balance.RequestWithdrawal", traces.UserID(freelancerID), traces.Amount(money.Format(amount)))
	defer func() { traces.End(span, err) }()
	log := logging.L(ctx).With("freelancer_id", freelancerID)

	if amount.LessThan(money.MinimumWithdrawal) {
		metrics.WithdrawalsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %s < %s", ErrAmountTooSmall, money.Format(amount), money.Format(money.MinimumWithdrawal))
	}
	if !amount.Equal(amount.Round(money.Decimals)) {
		return nil, money.ErrPrecision
	}

	account, ok, err := s.profiles.GetPayoutAccount(ctx, freelancerID)
	if err != nil && !errors.Is(err, marketplace.ErrProfileNotFound) {
		return nil, err
	}
	if !ok {
		metrics.WithdrawalsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrNoPayoutAccount
	}
	verified, err := s.profiles.HasVerifiedPayoutAccount(ctx, freelancerID)
	if err != nil {
		return nil, fmt.Errorf("%w: verify payout account: %w", ErrTransferFailed, err)
	}
	if !verified {
		metrics.WithdrawalsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrNoPayoutAccount
	}

	unlock, err := s.locks.Lock(ctx, "withdraw:"+freelancerID)
	if err != nil {
		return nil, fmt.Errorf("balance: acquire lock: %w", err)
	}
	defer unlock()

	available, err := s.GetAvailableBalance(ctx, freelancerID)
	if err != nil {
		return nil, err
	}
	inFlight, err := s.inFlight(ctx, freelancerID)
	if err != nil {
		return nil, err
	}
	if spendable := available.Sub(inFlight); amount.GreaterThan(spendable) {
		metrics.WithdrawalsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientBalance, money.Format(amount), money.Format(spendable))
	}

	w = &ledger.Withdrawal{
		ID:           idgen.WithPrefix("wd_"),
		FreelancerID: freelancerID,
		Amount:       amount,
		Currency:     s.currency,
		Status:       ledger.WithdrawalPending,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.ledger.CreateWithdrawal(ctx, w); err != nil {
		return nil, fmt.Errorf("balance: record withdrawal: %w", err)
	}
	log = log.With("withdrawal_id", w.ID)

	var ref string
	p := s.policy
	p.Retryable = processor.IsTransient
	p.OnRetry = func(attempt int, err error) {
		log.Warn("transfer failed, retrying", "attempt", attempt, "error", err)
	}
	err = retry.Do(ctx, p, func(int) error {
		var terr error
		ref, terr = s.gateway.Transfer(ctx, processor.TransferRequest{
			AmountMinor:    money.ToMinor(amount),
			Currency:       s.currency,
			PayeeAccountID: account,
			Group:          w.ID,
			IdempotencyKey: w.ID,
			Metadata:       map[string]string{"freelancer_id": freelancerID, "withdrawal_id": w.ID},
		})
		return terr
	})
	// The caller going away must not leave a moved transfer unrecorded.
	bctx := context.WithoutCancel(ctx)
	if err != nil {
		if processor.IsTransient(err) || ctx.Err() != nil {
			// The transfer may have gone through; the sweep looks it up by group.
			metrics.WithdrawalsTotal.WithLabelValues("pending").Inc()
			log.Warn("transfer outcome unknown, left pending", "error", err)
			return w, fmt.Errorf("%w: %w", ErrTransferPending, err)
		}
		failed, uerr := s.markFailed(bctx, w, err.Error())
		if uerr != nil {
			log.Error("failed to record failed withdrawal", "error", uerr)
			failed = w
		}
		return failed, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	done, err := s.markCompleted(bctx, w, ref)
	if err != nil {
		// Money moved; the sweep will heal the record from FindTransfer.
		log.Error("transfer succeeded but status update failed", "transfer", ref, "error", err)
		return w, fmt.Errorf("balance: record completion: %w", err)
	}
	return done, nil
}

// Settle resolves a pending withdrawal from the processor's transfer
// records: completed when a transfer with the withdrawal's group exists,
// failed otherwise.
func (s *Service) Settle(ctx context.Context, w *ledger.Withdrawal) (*ledger.Withdrawal, error) {
	unlock, err := s.locks.Lock(ctx, "withdraw:"+w.FreelancerID)
	if err != nil {
		return nil, fmt.Errorf("balance: acquire lock: %w", err)
	}
	defer unlock()

	fresh, err := s.ledger.GetWithdrawal(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if fresh.Status != ledger.WithdrawalPending {
		return fresh, nil
	}
	ref, found, err := s.gateway.FindTransfer(ctx, fresh.ID)
	if err != nil {
		return nil, err
	}
	if found {
		return s.markCompleted(ctx, fresh, ref)
	}
	return s.markFailed(ctx, fresh, "no transfer found at processor")
}

func (s *Service) markCompleted(ctx context.Context, w *ledger.Withdrawal, ref string) (*ledger.Withdrawal, error) {
	done, err := s.ledger.UpdateWithdrawalStatus(ctx, w.ID, ledger.WithdrawalPending, ledger.WithdrawalCompleted, func(x *ledger.Withdrawal) {
		x.TransferReference = ref
	})
	if errors.Is(err, ledger.ErrConflict) {
		return s.ledger.GetWithdrawal(ctx, w.ID)
	}
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues("completed").Inc()
	logging.L(ctx).Info("withdrawal completed", "withdrawal_id", done.ID, "amount", money.Format(done.Amount), "transfer", ref)
	s.emit(ctx, notify.EventWithdrawalCompleted, done)
	return done, nil
}

func (s *Service) markFailed(ctx context.Context, w *ledger.Withdrawal, reason string) (*ledger.Withdrawal, error) {
	failed, err := s.ledger.UpdateWithdrawalStatus(ctx, w.ID, ledger.WithdrawalPending, ledger.WithdrawalFailed, func(x *ledger.Withdrawal) {
		x.FailureReason = reason
	})
	if errors.Is(err, ledger.ErrConflict) {
		return s.ledger.GetWithdrawal(ctx, w.ID)
	}
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues("failed").Inc()
	logging.L(ctx).Warn("withdrawal failed", "withdrawal_id", failed.ID, "reason", reason)
	s.emit(ctx, notify.EventWithdrawalFailed, failed)
	return failed, nil
}

func (s *Service) emit(ctx context.Context, typ notify.EventType, w *ledger.Withdrawal) {
	payload := map[string]any{
		"withdrawalId": w.ID,
		"amount":       money.Format(w.Amount),
		"status":       string(w.Status),
	}
	if w.FailureReason != "" {
		payload["reason"] = w.FailureReason
	}
	s.notifier.Emit(ctx, notify.Event{Type: typ, UserID: w.FreelancerID, Payload: payload})
}
