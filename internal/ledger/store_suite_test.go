package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPayment(id, jobID string, gross string) *Payment {
	g := decimal.RequireFromString(gross)
	fee := g.Mul(decimal.RequireFromString("0.05")).Round(2)
	return &Payment{
		ID:             id,
		JobID:          jobID,
		FreelancerID:   "free_1",
		BusinessID:     "biz_1",
		GrossAmount:    g,
		PlatformFee:    fee,
		NetAmount:      g.Sub(fee),
		Currency:       "usd",
		Status:         PaymentPending,
		HoldReference:  "pi_" + id,
		IdempotencyKey: jobID + ":1",
		ReviewDeadline: time.Now().Add(48 * time.Hour).UTC().Truncate(time.Microsecond),
		ClientSecret:   "secret_" + id,
	}
}

func newWithdrawal(id, freelancer, amount string) *Withdrawal {
	return &Withdrawal{
		ID:           id,
		FreelancerID: freelancer,
		Amount:       decimal.RequireFromString(amount),
		Currency:     "usd",
		Status:       WithdrawalPending,
	}
}

// runStoreSuite exercises the Store contract. Every implementation must pass it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get payment", func(t *testing.T) {
		s := newStore(t)
		p := newPayment("pay_1", "job_1", "1000.00")
		require.NoError(t, s.CreatePayment(ctx, p))

		got, err := s.GetPayment(ctx, "pay_1")
		require.NoError(t, err)
		assert.Equal(t, "job_1", got.JobID)
		assert.True(t, got.GrossAmount.Equal(decimal.RequireFromString("1000")))
		assert.True(t, got.PlatformFee.Equal(decimal.RequireFromString("50")))
		assert.True(t, got.NetAmount.Equal(decimal.RequireFromString("950")))
		assert.Equal(t, PaymentPending, got.Status)
		assert.Equal(t, "pi_pay_1", got.HoldReference)
		assert.Empty(t, got.ClientSecret, "client secret must not be stored")
		assert.False(t, got.ReviewDeadline.IsZero())
	})

	t.Run("missing payment", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetPayment(ctx, "nope")
		assert.ErrorIs(t, err, ErrPaymentNotFound)
	})

	t.Run("rejects invalid payment", func(t *testing.T) {
		s := newStore(t)
		p := newPayment("pay_bad", "job_bad", "10.00")
		p.NetAmount = p.NetAmount.Add(decimal.RequireFromString("0.01"))
		assert.ErrorIs(t, s.CreatePayment(ctx, p), ErrInvalidRecord)

		zero := newPayment("pay_zero", "job_zero", "10.00")
		zero.GrossAmount, zero.PlatformFee, zero.NetAmount = decimal.Zero, decimal.Zero, decimal.Zero
		assert.ErrorIs(t, s.CreatePayment(ctx, zero), ErrInvalidRecord)
	})

	t.Run("one active payment per job", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreatePayment(ctx, newPayment("pay_a", "job_x", "20.00")))
		err := s.CreatePayment(ctx, newPayment("pay_b", "job_x", "20.00"))
		assert.ErrorIs(t, err, ErrActivePaymentExists)

		// A failed payment frees the job for a new attempt.
		_, err = s.UpdatePaymentStatus(ctx, "pay_a", PaymentPending, PaymentFailed, func(p *Payment) {
			p.FailureReason = "hold expired"
		})
		require.NoError(t, err)
		require.NoError(t, s.CreatePayment(ctx, newPayment("pay_c", "job_x", "20.00")))

		active, err := s.GetActivePaymentForJob(ctx, "job_x")
		require.NoError(t, err)
		assert.Equal(t, "pay_c", active.ID)
	})

	t.Run("compare and set", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreatePayment(ctx, newPayment("pay_cas", "job_cas", "100.00")))

		done, err := s.UpdatePaymentStatus(ctx, "pay_cas", PaymentPending, PaymentCompleted, func(p *Payment) {
			p.GrossAmount = decimal.RequireFromString("999") // ignored
		})
		require.NoError(t, err)
		assert.Equal(t, PaymentCompleted, done.Status)
		assert.True(t, done.GrossAmount.Equal(decimal.RequireFromString("100")))
		assert.NotNil(t, done.ResolvedAt)

		_, err = s.UpdatePaymentStatus(ctx, "pay_cas", PaymentPending, PaymentRefunded, nil)
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.UpdatePaymentStatus(ctx, "pay_cas", PaymentCompleted, PaymentPending, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		got, err := s.GetPayment(ctx, "pay_cas")
		require.NoError(t, err)
		assert.Equal(t, PaymentCompleted, got.Status)
		assert.True(t, got.GrossAmount.Equal(decimal.RequireFromString("100")))
	})

	t.Run("concurrent CAS has one winner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreatePayment(ctx, newPayment("pay_race", "job_race", "50.00")))

		var wins, conflicts int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				to := PaymentCompleted
				if i%2 == 0 {
					to = PaymentRefunded
				}
				_, err := s.UpdatePaymentStatus(ctx, "pay_race", PaymentPending, to, nil)
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case errors.Is(err, ErrConflict):
					atomic.AddInt32(&conflicts, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
		assert.Equal(t, int32(9), conflicts)
	})

	t.Run("list payments", func(t *testing.T) {
		s := newStore(t)
		a := newPayment("pay_l1", "job_l1", "10.00")
		b := newPayment("pay_l2", "job_l2", "20.00")
		b.FreelancerID = "free_2"
		c := newPayment("pay_l3", "job_l3", "30.00")
		c.BusinessID = "biz_2"
		for _, p := range []*Payment{a, b, c} {
			require.NoError(t, s.CreatePayment(ctx, p))
		}
		_, err := s.UpdatePaymentStatus(ctx, "pay_l1", PaymentPending, PaymentCompleted, nil)
		require.NoError(t, err)

		byFreelancer, err := s.ListPayments(ctx, PaymentFilter{FreelancerID: "free_1"})
		require.NoError(t, err)
		assert.Len(t, byFreelancer, 2)

		byParticipant, err := s.ListPayments(ctx, PaymentFilter{ParticipantID: "biz_2"})
		require.NoError(t, err)
		require.Len(t, byParticipant, 1)
		assert.Equal(t, "pay_l3", byParticipant[0].ID)

		pending, err := s.ListPayments(ctx, PaymentFilter{Status: PaymentPending})
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		completed, err := s.ListCompletedPayments(ctx, "free_1")
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.True(t, SumNet(completed).Equal(decimal.RequireFromString("9.50")))
	})

	t.Run("pending and due payments", func(t *testing.T) {
		s := newStore(t)
		due := newPayment("pay_due", "job_due", "10.00")
		due.ReviewDeadline = time.Now().Add(-time.Hour).UTC()
		notDue := newPayment("pay_later", "job_later", "10.00")
		require.NoError(t, s.CreatePayment(ctx, due))
		require.NoError(t, s.CreatePayment(ctx, notDue))

		list, err := s.ListDuePayments(ctx, time.Now(), DueCursor{}, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "pay_due", list[0].ID)

		pending, err := s.ListPendingPayments(ctx, time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		none, err := s.ListPendingPayments(ctx, time.Now().Add(-time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("due payments page by cursor", func(t *testing.T) {
		s := newStore(t)
		deadline := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)
		for _, id := range []string{"pay_c", "pay_a", "pay_b"} {
			pay := newPayment(id, "job_"+id, "10.00")
			pay.ReviewDeadline = deadline
			require.NoError(t, s.CreatePayment(ctx, pay))
		}
		later := newPayment("pay_0", "job_pay_0", "10.00")
		later.ReviewDeadline = deadline.Add(time.Minute)
		require.NoError(t, s.CreatePayment(ctx, later))

		first, err := s.ListDuePayments(ctx, time.Now(), DueCursor{}, 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "pay_a", first[0].ID)
		assert.Equal(t, "pay_b", first[1].ID)

		rest, err := s.ListDuePayments(ctx, time.Now(), CursorAfter(first[1]), 2)
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, "pay_c", rest[0].ID)
		assert.Equal(t, "pay_0", rest[1].ID)

		none, err := s.ListDuePayments(ctx, time.Now(), CursorAfter(rest[1]), 2)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("mark disputed", func(t *testing.T) {
		s := newStore(t)
		pay := newPayment("pay_disp", "job_disp", "10.00")
		pay.ReviewDeadline = time.Now().Add(-time.Hour).UTC()
		require.NoError(t, s.CreatePayment(ctx, pay))

		got, err := s.MarkDisputed(ctx, "pay_disp", "work not delivered")
		require.NoError(t, err)
		assert.Equal(t, PaymentPending, got.Status)
		assert.Equal(t, "work not delivered", got.DisputeReason)

		_, err = s.MarkDisputed(ctx, "pay_disp", "again")
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.MarkDisputed(ctx, "pay_nope", "x")
		assert.ErrorIs(t, err, ErrPaymentNotFound)

		// Disputed payments are never due for auto-release.
		due, err := s.ListDuePayments(ctx, time.Now(), DueCursor{}, 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		refunded, err := s.UpdatePaymentStatus(ctx, "pay_disp", PaymentPending, PaymentRefunded, nil)
		require.NoError(t, err)
		assert.Equal(t, "work not delivered", refunded.DisputeReason)
	})

	t.Run("withdrawal lifecycle", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateWithdrawal(ctx, newWithdrawal("wd_1", "free_w", "25.00")))
		require.NoError(t, s.CreateWithdrawal(ctx, newWithdrawal("wd_2", "free_w", "5.00")))

		done, err := s.UpdateWithdrawalStatus(ctx, "wd_1", WithdrawalPending, WithdrawalCompleted, func(w *Withdrawal) {
			w.TransferReference = "tr_1"
		})
		require.NoError(t, err)
		assert.Equal(t, "tr_1", done.TransferReference)
		assert.NotNil(t, done.CompletedAt)

		_, err = s.UpdateWithdrawalStatus(ctx, "wd_1", WithdrawalPending, WithdrawalFailed, nil)
		assert.ErrorIs(t, err, ErrConflict)
		_, err = s.UpdateWithdrawalStatus(ctx, "wd_1", WithdrawalCompleted, WithdrawalFailed, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		completed, err := s.ListCompletedWithdrawals(ctx, "free_w")
		require.NoError(t, err)
		assert.True(t, SumWithdrawn(completed).Equal(decimal.RequireFromString("25")))

		inflight, err := s.ListWithdrawals(ctx, WithdrawalFilter{FreelancerID: "free_w", Status: WithdrawalPending})
		require.NoError(t, err)
		require.Len(t, inflight, 1)
		assert.Equal(t, "wd_2", inflight[0].ID)

		stale, err := s.ListPendingWithdrawals(ctx, time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Len(t, stale, 1)

		got, err := s.GetWithdrawal(ctx, "wd_1")
		require.NoError(t, err)
		assert.Equal(t, WithdrawalCompleted, got.Status)

		_, err = s.GetWithdrawal(ctx, "wd_missing")
		assert.ErrorIs(t, err, ErrWithdrawalNotFound)
	})

	t.Run("rejects invalid withdrawal", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.CreateWithdrawal(ctx, newWithdrawal("wd_neg", "free", "-1.00")), ErrInvalidRecord)
	})
}
