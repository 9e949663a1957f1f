// Package reconciliation heals ledger records whose outcome at the payment
// processor is known but was never written back, and raises an alert for
// gaps that stay unresolved.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trackerjam/escrow/internal/ledger"
	"github.com/trackerjam/escrow/internal/logging"
	"github.com/trackerjam/escrow/internal/notify"
	"github.com/trackerjam/escrow/internal/processor"
)

// PaymentSettler applies processor-side outcomes to pending payments.
// Implemented by escrow.Service.
type PaymentSettler interface {
	SettleCaptured(ctx context.Context, id string) (*ledger.Payment, error)
	SettleVoided(ctx context.Context, id string) (*ledger.Payment, error)
	RetryDisputedVoid(ctx context.Context, id string) (*ledger.Payment, error)
}

// WithdrawalSettler resolves pending withdrawals. Implemented by balance.Service.
type WithdrawalSettler interface {
	Settle(ctx context.Context, w *ledger.Withdrawal) (*ledger.Withdrawal, error)
}

// HoldStater reports a hold's processor-side state.
type HoldStater interface {
	HoldState(ctx context.Context, reference string) (processor.HoldState, error)
}

// Gap is a record the sweep could not resolve.
type Gap struct {
	Kind      string    `json:"kind"` // "payment" or "withdrawal"
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
	Alert     bool      `json:"alert"`
}

// Report summarizes one sweep.
type Report struct {
	PaymentsChecked    int           `json:"paymentsChecked"`
	PaymentsSettled    int           `json:"paymentsSettled"`
	WithdrawalsChecked int           `json:"withdrawalsChecked"`
	WithdrawalsSettled int           `json:"withdrawalsSettled"`
	Gaps               []Gap         `json:"gaps"`
	Alerts             int           `json:"alerts"`
	Errors             []string      `json:"errors,omitempty"`
	Healthy            bool          `json:"healthy"`
	Duration           time.Duration `json:"duration"`
	Timestamp          time.Time     `json:"timestamp"`
}

// Runner performs the sweep.
type Runner struct {
	store       ledger.Store
	holds       HoldStater
	payments    PaymentSettler
	withdrawals WithdrawalSettler
	notifier    notify.Notifier
	operatorID  string
	grace       time.Duration
	alertAfter  time.Duration
	batch       int
	logger      *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a sweep runner with a 10 minute grace period and a 24 hour
// alert threshold.
func NewRunner(store ledger.Store, holds HoldStater, payments PaymentSettler, withdrawals WithdrawalSettler, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:       store,
		holds:       holds,
		payments:    payments,
		withdrawals: withdrawals,
		notifier:    notify.Nop{},
		grace:       10 * time.Minute,
		alertAfter:  24 * time.Hour,
		batch:       200,
		logger:      logger,
		now:         time.Now,
	}
}

// WithGrace sets how old a pending record must be before the sweep looks at it.
func (r *Runner) WithGrace(d time.Duration) *Runner {
	if d > 0 {
		r.grace = d
	}
	return r
}

// WithAlertAfter sets how long a gap may stay unresolved before alerting.
func (r *Runner) WithAlertAfter(d time.Duration) *Runner {
	if d > 0 {
		r.alertAfter = d
	}
	return r
}

// WithOperatorAlerts sends a reconciliation_alert notification to userID for
// every alerting gap.
func (r *Runner) WithOperatorAlerts(n notify.Notifier, userID string) *Runner {
	if n != nil && userID != "" {
		r.notifier = n
		r.operatorID = userID
	}
	return r
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// RunAll sweeps pending payments and pending withdrawals.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{Timestamp: start, Gaps: []Gap{}}
	cutoff := start.Add(-r.grace)

	pErr := r.sweepPayments(ctx, cutoff, report)
	wErr := r.sweepWithdrawals(ctx, cutoff, report)

	for _, g := range report.Gaps {
		if g.Alert {
			report.Alerts++
		}
	}
	report.Healthy = report.Alerts == 0 && len(report.Errors) == 0 && pErr == nil && wErr == nil
	report.Duration = time.Since(start)

	reconcileGaps.Set(float64(len(report.Gaps)))
	reconcileAlerts.Set(float64(report.Alerts))
	reconcileDuration.Observe(report.Duration.Seconds())
	reconcileSettled.WithLabelValues("payment").Add(float64(report.PaymentsSettled))
	reconcileSettled.WithLabelValues("withdrawal").Add(float64(report.WithdrawalsSettled))

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	if err := errors.Join(pErr, wErr); err != nil {
		return report, err
	}
	r.logger.Info("reconciliation complete",
		"payments_checked", report.PaymentsChecked,
		"payments_settled", report.PaymentsSettled,
		"withdrawals_checked", report.WithdrawalsChecked,
		"withdrawals_settled", report.WithdrawalsSettled,
		"gaps", len(report.Gaps),
		"alerts", report.Alerts,
		"duration", report.Duration,
	)
	return report, nil
}

func (r *Runner) sweepPayments(ctx context.Context, cutoff time.Time, report *Report) error {
	pending, err := r.store.ListPendingPayments(ctx, cutoff, r.batch)
	if err != nil {
		return fmt.Errorf("list pending payments: %w", err)
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.PaymentsChecked++
		log := logging.L(ctx).With("payment_id", p.ID, "hold", p.HoldReference)

		state, err := r.holds.HoldState(ctx, p.HoldReference)
		if errors.Is(err, processor.ErrHoldNotFound) {
			r.gap(ctx, report, Gap{Kind: "payment", ID: p.ID, Reason: "hold not found at processor", CreatedAt: p.CreatedAt})
			continue
		}
		if err != nil {
			r.checkError(report, "payment", p.ID, err)
			continue
		}

		var settled *ledger.Payment
		switch state {
		case processor.HoldCaptured:
			settled, err = r.payments.SettleCaptured(ctx, p.ID)
		case processor.HoldVoided:
			settled, err = r.payments.SettleVoided(ctx, p.ID)
		case processor.HoldHeld:
			if p.DisputeReason == "" {
				continue
			}
			settled, err = r.payments.RetryDisputedVoid(ctx, p.ID)
			if err != nil {
				r.gap(ctx, report, Gap{Kind: "payment", ID: p.ID, Reason: "disputed hold could not be voided", CreatedAt: p.CreatedAt})
				continue
			}
		case processor.HoldAwaitingConfirmation:
			r.gap(ctx, report, Gap{Kind: "payment", ID: p.ID, Reason: "payer never confirmed the hold", CreatedAt: p.CreatedAt})
			continue
		}
		if err != nil {
			r.checkError(report, "payment", p.ID, err)
			continue
		}
		if settled != nil && settled.Status != ledger.PaymentPending {
			report.PaymentsSettled++
			log.Info("payment reconciled", "state", state, "status", settled.Status)
		}
	}
	return nil
}

func (r *Runner) sweepWithdrawals(ctx context.Context, cutoff time.Time, report *Report) error {
	pending, err := r.store.ListPendingWithdrawals(ctx, cutoff, r.batch)
	if err != nil {
		return fmt.Errorf("list pending withdrawals: %w", err)
	}

	for _, w := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.WithdrawalsChecked++
		settled, err := r.withdrawals.Settle(ctx, w)
		if err != nil {
			r.checkError(report, "withdrawal", w.ID, err)
			r.gap(ctx, report, Gap{Kind: "withdrawal", ID: w.ID, Reason: "transfer status unknown", CreatedAt: w.CreatedAt})
			continue
		}
		if settled.Status != ledger.WithdrawalPending {
			report.WithdrawalsSettled++
			logging.L(ctx).Info("withdrawal reconciled", "withdrawal_id", w.ID, "status", settled.Status)
		}
	}
	return nil
}

func (r *Runner) gap(ctx context.Context, report *Report, g Gap) {
	g.Alert = r.now().Sub(g.CreatedAt) >= r.alertAfter
	report.Gaps = append(report.Gaps, g)
	if !g.Alert {
		return
	}

	r.logger.Error("reconciliation gap unresolved",
		"kind", g.Kind, "id", g.ID, "reason", g.Reason, "age", r.now().Sub(g.CreatedAt).Round(time.Minute))
	if r.operatorID != "" {
		r.notifier.Emit(ctx, notify.Event{
			Type:   notify.EventReconciliationAlert,
			UserID: r.operatorID,
			Payload: map[string]any{
				"kind":      g.Kind,
				"id":        g.ID,
				"reason":    g.Reason,
				"createdAt": g.CreatedAt,
			},
		})
	}
}

func (r *Runner) checkError(report *Report, kind, id string, err error) {
	reconcileErrors.Inc()
	report.Errors = append(report.Errors, fmt.Sprintf("%s %s: %v", kind, id, err))
	r.logger.Warn("reconciliation check failed", "kind", kind, "id", id, "error", err)
}
