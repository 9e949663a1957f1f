package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trackerjam/escrow/internal/idgen"
	"github.com/trackerjam/escrow/internal/ledger"
	"github.com/trackerjam/escrow/internal/logging"
	"github.com/trackerjam/escrow/internal/marketplace"
	"github.com/trackerjam/escrow/internal/metrics"
	"github.com/trackerjam/escrow/internal/money"
	"github.com/trackerjam/escrow/internal/notify"
	"github.com/trackerjam/escrow/internal/processor"
	"github.com/trackerjam/escrow/internal/traces"
	"github.com/trackerjam/escrow/internal/validation"
)

// Initiate places a hold for the job's accepted bid and records a pending
// payment. No record is written unless the hold exists.
func (s *Service) Initiate(ctx context.Context, jobID, actor string) (pay *ledger.Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Initiate", traces.JobID(jobID), traces.UserID(actor))
	defer func() { traces.End(span, err) }()
	log := logging.L(ctx).With("job_id", jobID)

	bid, err := s.jobs.GetAcceptedBid(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !canAct(actor, bid.BusinessID) {
		return nil, ErrUnauthorized
	}
	gross := bid.Amount.Round(money.Decimals)
	if gross.LessThan(money.MinimumPayment) {
		return nil, fmt.Errorf("%w: %s < %s", ErrAmountTooSmall, money.Format(gross), money.Format(money.MinimumPayment))
	}

	unlock, err := s.lock(ctx, "job:"+jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := s.ledger.GetActivePaymentForJob(ctx, jobID); err == nil {
		return existing, ErrPaymentExists
	} else if !errors.Is(err, ledger.ErrPaymentNotFound) {
		return nil, err
	}

	account, ok, err := s.profiles.GetPayoutAccount(ctx, bid.FreelancerID)
	if err != nil && !errors.Is(err, marketplace.ErrProfileNotFound) {
		return nil, err
	}
	if !ok {
		return nil, ErrNoPayoutAccount
	}
	verified, err := s.profiles.HasVerifiedPayoutAccount(ctx, bid.FreelancerID)
	if err != nil {
		metrics.PaymentSetupFailuresTotal.Inc()
		return nil, fmt.Errorf("%w: verify payout account: %w", ErrPaymentSetupFailed, err)
	}
	if !verified {
		return nil, ErrNoPayoutAccount
	}

	// The epoch counts earlier attempts for this job so a retried or
	// crashed initiation reuses the same processor idempotency key, while a
	// new attempt after a refund gets a fresh hold.
	previous, err := s.ledger.ListPayments(ctx, ledger.PaymentFilter{JobID: jobID, Limit: 1000})
	if err != nil {
		return nil, err
	}
	epoch := int64(len(previous) + 1)
	key := idgen.IdempotencyKey(jobID, epoch)

	split := s.fees.Compute(gross)
	hold, key, err := s.placeHold(ctx, processor.HoldRequest{
		AmountMinor:    split.GrossMinor(),
		FeeMinor:       split.FeeMinor(),
		Currency:       s.currency,
		PayeeAccountID: account,
		IdempotencyKey: key,
		Metadata: map[string]string{
			"job_id":        jobID,
			"freelancer_id": bid.FreelancerID,
			"business_id":   bid.BusinessID,
			"attempt":       fmt.Sprint(epoch),
		},
	})
	if err != nil {
		metrics.PaymentSetupFailuresTotal.Inc()
		log.Warn("hold creation failed", "error", err)
		if errors.Is(err, processor.ErrPayeeAccountInvalid) {
			return nil, fmt.Errorf("%w: %w", ErrNoPayoutAccount, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrPaymentSetupFailed, err)
	}

	now := s.now().UTC()
	pay = &ledger.Payment{
		ID:             idgen.WithPrefix("pay_"),
		JobID:          jobID,
		FreelancerID:   bid.FreelancerID,
		BusinessID:     bid.BusinessID,
		GrossAmount:    split.Gross,
		PlatformFee:    split.Fee,
		NetAmount:      split.Net,
		Currency:       s.currency,
		Status:         ledger.PaymentPending,
		HoldReference:  hold.Reference,
		IdempotencyKey: key,
		ReviewDeadline: now.Add(s.window),
		CreatedAt:      now,
	}
	if err := s.ledger.CreatePayment(ctx, pay); err != nil {
		if errors.Is(err, ledger.ErrActivePaymentExists) {
			// Another instance won the race. With the same idempotency key it
			// holds the same reference, which must not be voided.
			if existing, gerr := s.ledger.GetActivePaymentForJob(ctx, jobID); gerr == nil && existing.HoldReference == hold.Reference {
				return existing, ErrPaymentExists
			}
		}
		metrics.PaymentSetupFailuresTotal.Inc()
		log.Error("payment record failed after hold, voiding hold", "hold", hold.Reference, "error", err)
		if verr := s.gateway.VoidHold(context.WithoutCancel(ctx), hold.Reference); verr != nil {
			log.Error("void after failed record also failed; hold is orphaned", "hold", hold.Reference, "error", verr)
		}
		return nil, fmt.Errorf("%w: record payment: %w", ErrPaymentSetupFailed, err)
	}

	metrics.PaymentsInitiatedTotal.Inc()
	metrics.PaymentTransitionsTotal.WithLabelValues(string(ledger.PaymentPending), TriggerInitiate).Inc()
	log.Info("payment initiated", "payment_id", pay.ID, "gross", money.Format(pay.GrossAmount), "hold", hold.Reference)

	s.emit(ctx, notify.EventPaymentHeld, pay.FreelancerID, pay)
	s.emit(ctx, notify.EventPaymentHeld, pay.BusinessID, pay)

	pay.ClientSecret = hold.ClientSecret
	return pay, nil
}

// placeHold creates the hold for one initiation attempt and returns it with
// the idempotency key it was placed under. An attempt whose record failed
// voided its hold without leaving a ledger row, so the same epoch key can
// replay that dead hold; it is then placed once more under a fresh key.
func (s *Service) placeHold(ctx context.Context, req processor.HoldRequest) (*processor.Hold, string, error) {
	hold, err := s.createHold(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if !s.holdSettled(ctx, hold) {
		return hold, req.IdempotencyKey, nil
	}

	logging.L(ctx).Warn("idempotency key replayed a settled hold, placing a new one",
		"hold", hold.Reference, "key", req.IdempotencyKey)
	req.IdempotencyKey += ":" + idgen.New()
	hold, err = s.createHold(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if s.holdSettled(ctx, hold) {
		return nil, "", fmt.Errorf("hold %s is already %s", hold.Reference, hold.State)
	}
	return hold, req.IdempotencyKey, nil
}

func (s *Service) createHold(ctx context.Context, req processor.HoldRequest) (*processor.Hold, error) {
	var hold *processor.Hold
	err := s.withRetry(ctx, "create_hold", func(ctx context.Context) error {
		var err error
		hold, err = s.gateway.CreateHold(ctx, req)
		return err
	})
	return hold, err
}

// holdSettled reports whether a hold can no longer be captured. Replayed
// creation responses may carry a stale state, so the processor is asked.
func (s *Service) holdSettled(ctx context.Context, hold *processor.Hold) bool {
	if state, err := s.gateway.HoldState(ctx, hold.Reference); err == nil {
		hold.State = state
	}
	return hold.State == processor.HoldVoided || hold.State == processor.HoldCaptured
}

// Approve releases the payment to the freelancer. Approving an already
// completed payment returns it unchanged.
func (s *Service) Approve(ctx context.Context, id, actor string) (pay *ledger.Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Approve", traces.PaymentID(id), traces.UserID(actor))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, "payment:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pay, err = s.ledger.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAct(actor, pay.BusinessID) {
		return nil, ErrUnauthorized
	}
	if pay.Status == ledger.PaymentPending && pay.DisputeReason != "" {
		return pay, fmt.Errorf("%w: payment is under dispute", ErrInvalidStatus)
	}
	return s.release(ctx, pay, TriggerApprove)
}

// AutoRelease releases a payment whose review window has elapsed without a
// dispute. The payment is re-read under the lock.
func (s *Service) AutoRelease(ctx context.Context, p *ledger.Payment) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease", traces.PaymentID(p.ID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, "payment:"+p.ID)
	if err != nil {
		return err
	}
	defer unlock()

	fresh, err := s.ledger.GetPayment(ctx, p.ID)
	if err != nil {
		return err
	}
	if fresh.Status != ledger.PaymentPending || fresh.DisputeReason != "" {
		return ErrInvalidStatus
	}
	if s.now().Before(fresh.ReviewDeadline) {
		return ErrNotDue
	}
	released, err := s.release(ctx, fresh, TriggerAutoRelease)
	if errors.Is(err, processor.ErrHoldNotReady) {
		released, err = s.abandonUnconfirmed(ctx, fresh)
	}
	if err != nil {
		return err
	}
	if released.Status == ledger.PaymentCompleted {
		metrics.AutoReleasedTotal.Inc()
	}
	return nil
}

// abandonUnconfirmed voids a hold the payer left unconfirmed through the
// whole review window and fails the payment. Caller holds the payment lock.
func (s *Service) abandonUnconfirmed(ctx context.Context, pay *ledger.Payment) (*ledger.Payment, error) {
	err := s.withRetry(ctx, "void_hold", func(ctx context.Context) error {
		return s.gateway.VoidHold(ctx, pay.HoldReference)
	})
	if errors.Is(err, processor.ErrHoldAlreadyCaptured) {
		return s.complete(ctx, pay, TriggerAutoRelease)
	}
	if err != nil {
		logging.L(ctx).Warn("void of unconfirmed hold failed, payment stays pending", "payment_id", pay.ID, "error", err)
		return pay, fmt.Errorf("%w: void unconfirmed hold: %w", ErrReleaseFailed, err)
	}
	failed, err := s.fail(ctx, pay, "payer never confirmed the hold", TriggerUnconfirmed)
	if err != nil {
		return pay, fmt.Errorf("%w: %w", ErrReleaseFailed, err)
	}
	return failed, ErrHoldUnconfirmed
}

// release captures the hold and completes the payment. Caller holds the
// payment lock.
func (s *Service) release(ctx context.Context, pay *ledger.Payment, trigger string) (*ledger.Payment, error) {
	log := logging.L(ctx).With("payment_id", pay.ID, "trigger", trigger)

	switch pay.Status {
	case ledger.PaymentCompleted:
		return pay, nil
	case ledger.PaymentPending:
	default:
		return pay, fmt.Errorf("%w: payment is %s", ErrInvalidStatus, pay.Status)
	}

	err := s.withRetry(ctx, "capture_hold", func(ctx context.Context) error {
		return s.gateway.CaptureHold(ctx, pay.HoldReference)
	})
	switch {
	case err == nil:
	case errors.Is(err, processor.ErrHoldAlreadyCaptured):
		log.Info("hold already captured, completing record")
	case errors.Is(err, processor.ErrHoldExpired):
		failed, ferr := s.fail(ctx, pay, "hold expired before capture", TriggerHoldExpired)
		if ferr != nil {
			return pay, fmt.Errorf("%w: %w", ErrReleaseFailed, err)
		}
		return failed, fmt.Errorf("%w: %w", ErrReleaseFailed, err)
	default:
		// A concurrent release may have completed it already.
		if fresh, gerr := s.ledger.GetPayment(ctx, pay.ID); gerr == nil && fresh.Status == ledger.PaymentCompleted {
			return fresh, nil
		}
		log.Warn("capture failed, payment stays pending", "error", err)
		return pay, fmt.Errorf("%w: %w", ErrReleaseFailed, err)
	}

	return s.complete(ctx, pay, trigger)
}

// complete records a captured hold.
func (s *Service) complete(ctx context.Context, pay *ledger.Payment, trigger string) (*ledger.Payment, error) {
	log := logging.L(ctx).With("payment_id", pay.ID, "trigger", trigger)

	done, err := s.ledger.UpdatePaymentStatus(ctx, pay.ID, ledger.PaymentPending, ledger.PaymentCompleted, nil)
	if errors.Is(err, ledger.ErrConflict) {
		log.Info("payment resolved concurrently")
		return s.ledger.GetPayment(ctx, pay.ID)
	}
	if err != nil {
		// Funds are captured; the reconciliation sweep heals the record.
		log.Error("capture succeeded but status update failed", "error", err)
		return pay, fmt.Errorf("%w: record completion: %w", ErrReleaseFailed, err)
	}

	if err := s.jobs.MarkJobCompleted(ctx, done.JobID); err != nil {
		log.Warn("failed to mark job completed", "job_id", done.JobID, "error", err)
	}
	s.observeResolution(done, trigger)
	log.Info("payment released", "net", money.Format(done.NetAmount), "freelancer_id", done.FreelancerID)

	s.emit(ctx, notify.EventPaymentReleased, done.FreelancerID, done)
	s.emit(ctx, notify.EventPaymentReleased, done.BusinessID, done)
	return done, nil
}

// fail records a hold that can no longer be captured.
func (s *Service) fail(ctx context.Context, pay *ledger.Payment, reason, trigger string) (*ledger.Payment, error) {
	failed, err := s.ledger.UpdatePaymentStatus(ctx, pay.ID, ledger.PaymentPending, ledger.PaymentFailed, func(p *ledger.Payment) {
		p.FailureReason = reason
	})
	if errors.Is(err, ledger.ErrConflict) {
		return s.ledger.GetPayment(ctx, pay.ID)
	}
	if err != nil {
		return nil, err
	}
	s.observeResolution(failed, trigger)
	logging.L(ctx).Warn("payment failed", "payment_id", failed.ID, "reason", reason)
	s.emit(ctx, notify.EventPaymentFailed, failed.FreelancerID, failed)
	s.emit(ctx, notify.EventPaymentFailed, failed.BusinessID, failed)
	return failed, nil
}

// refund records a voided hold.
func (s *Service) refund(ctx context.Context, pay *ledger.Payment, reason, trigger string) (*ledger.Payment, error) {
	refunded, err := s.ledger.UpdatePaymentStatus(ctx, pay.ID, ledger.PaymentPending, ledger.PaymentRefunded, func(p *ledger.Payment) {
		if p.DisputeReason == "" {
			p.DisputeReason = reason
		}
	})
	if errors.Is(err, ledger.ErrConflict) {
		return s.ledger.GetPayment(ctx, pay.ID)
	}
	if err != nil {
		return nil, err
	}
	s.observeResolution(refunded, trigger)
	logging.L(ctx).Info("payment refunded", "payment_id", refunded.ID)
	s.emit(ctx, notify.EventPaymentRefunded, refunded.FreelancerID, refunded)
	s.emit(ctx, notify.EventPaymentRefunded, refunded.BusinessID, refunded)
	return refunded, nil
}

// Dispute voids the hold and refunds the business. Only the business may
// dispute, and only before the review deadline.
func (s *Service) Dispute(ctx context.Context, id, actor, reason string) (pay *ledger.Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", traces.PaymentID(id), traces.UserID(actor))
	defer func() { traces.End(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	reason = validation.Truncate(reason, MaxDisputeReason)

	unlock, err := s.lock(ctx, "payment:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pay, err = s.ledger.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAct(actor, pay.BusinessID) {
		return nil, ErrUnauthorized
	}
	if pay.Status != ledger.PaymentPending {
		return pay, fmt.Errorf("%w: payment is %s", ErrInvalidStatus, pay.Status)
	}

	// A dispute recorded earlier whose void did not go through is retried.
	if pay.DisputeReason == "" {
		if !s.now().Before(pay.ReviewDeadline) {
			return pay, ErrReviewWindowClosed
		}
		marked, err := s.ledger.MarkDisputed(ctx, id, reason)
		if errors.Is(err, ledger.ErrConflict) {
			fresh, gerr := s.ledger.GetPayment(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return fresh, fmt.Errorf("%w: payment is %s", ErrInvalidStatus, fresh.Status)
		}
		if err != nil {
			return nil, err
		}
		pay = marked
		metrics.PaymentTransitionsTotal.WithLabelValues("disputed", TriggerDispute).Inc()
		s.emit(ctx, notify.EventPaymentDisputed, pay.FreelancerID, pay)
	}

	err = s.withRetry(ctx, "void_hold", func(ctx context.Context) error {
		return s.gateway.VoidHold(ctx, pay.HoldReference)
	})
	switch {
	case err == nil:
		return s.refund(ctx, pay, reason, TriggerDispute)
	case errors.Is(err, processor.ErrHoldAlreadyCaptured):
		// Captured out of band; the freelancer has been paid.
		if done, cerr := s.complete(ctx, pay, TriggerDispute); cerr == nil {
			pay = done
		}
		return pay, fmt.Errorf("%w: hold was already captured", ErrInvalidStatus)
	default:
		logging.L(ctx).Warn("void failed, dispute kept on record", "payment_id", id, "error", err)
		return pay, fmt.Errorf("%w: %w", ErrRefundFailed, err)
	}
}

// SettleCaptured records a hold the processor reports as captured. Used by
// the reconciliation sweep.
func (s *Service) SettleCaptured(ctx context.Context, id string) (*ledger.Payment, error) {
	unlock, err := s.lock(ctx, "payment:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pay, err := s.ledger.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if pay.Status != ledger.PaymentPending {
		return pay, nil
	}
	return s.complete(ctx, pay, "reconcile")
}

// SettleVoided records a hold the processor reports as voided: refunded
// when a dispute was on record, failed otherwise.
func (s *Service) SettleVoided(ctx context.Context, id string) (*ledger.Payment, error) {
	unlock, err := s.lock(ctx, "payment:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pay, err := s.ledger.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if pay.Status != ledger.PaymentPending {
		return pay, nil
	}
	if pay.DisputeReason != "" {
		return s.refund(ctx, pay, pay.DisputeReason, "reconcile")
	}
	return s.fail(ctx, pay, "hold voided at processor", "reconcile")
}

// RetryDisputedVoid voids the hold of a pending payment that carries a
// dispute reason and refunds it.
func (s *Service) RetryDisputedVoid(ctx context.Context, id string) (*ledger.Payment, error) {
	pay, err := s.ledger.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if pay.Status != ledger.PaymentPending || pay.DisputeReason == "" {
		return pay, nil
	}
	return s.Dispute(ctx, id, "", pay.DisputeReason)
}

func (s *Service) observeResolution(p *ledger.Payment, trigger string) {
	metrics.PaymentTransitionsTotal.WithLabelValues(string(p.Status), trigger).Inc()
	end := p.UpdatedAt
	if p.ResolvedAt != nil {
		end = *p.ResolvedAt
	}
	if d := end.Sub(p.CreatedAt); d > 0 {
		metrics.PaymentResolutionSeconds.Observe(d.Seconds())
	}
}

func (s *Service) emit(ctx context.Context, typ notify.EventType, userID string, p *ledger.Payment) {
	payload := map[string]any{
		"paymentId":   p.ID,
		"jobId":       p.JobID,
		"status":      string(p.Status),
		"grossAmount": money.Format(p.GrossAmount),
		"netAmount":   money.Format(p.NetAmount),
	}
	if p.DisputeReason != "" {
		payload["disputeReason"] = p.DisputeReason
	}
	if p.Status == ledger.PaymentPending {
		payload["reviewDeadline"] = p.ReviewDeadline.Format(time.RFC3339)
	}
	s.notifier.Emit(ctx, notify.Event{Type: typ, UserID: userID, Payload: payload})
}
