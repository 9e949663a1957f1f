// Package admin provides operator endpoints for inspecting and resolving
// stuck payments and withdrawals.
package admin

import (
	"time"

	"github.com/trackerjam/escrow/internal/ledger"
	"github.com/trackerjam/escrow/internal/money"
)

// StuckPayment is a pending payment older than the requested age.
type StuckPayment struct {
	ID             string    `json:"id"`
	JobID          string    `json:"jobId"`
	FreelancerID   string    `json:"freelancerId"`
	BusinessID     string    `json:"businessId"`
	GrossAmount    string    `json:"grossAmount"`
	HoldReference  string    `json:"holdReference"`
	Disputed       bool      `json:"disputed"`
	ReviewDeadline time.Time `json:"reviewDeadline"`
	CreatedAt      time.Time `json:"createdAt"`
	Age            string    `json:"age"`
}

// StuckWithdrawal is a pending withdrawal older than the requested age.
type StuckWithdrawal struct {
	ID           string    `json:"id"`
	FreelancerID string    `json:"freelancerId"`
	Amount       string    `json:"amount"`
	CreatedAt    time.Time `json:"createdAt"`
	Age          string    `json:"age"`
}

func stuckPayment(p *ledger.Payment, now time.Time) StuckPayment {
	return StuckPayment{
		ID:             p.ID,
		JobID:          p.JobID,
		FreelancerID:   p.FreelancerID,
		BusinessID:     p.BusinessID,
		GrossAmount:    money.Format(p.GrossAmount),
		HoldReference:  p.HoldReference,
		Disputed:       p.DisputeReason != "",
		ReviewDeadline: p.ReviewDeadline,
		CreatedAt:      p.CreatedAt,
		Age:            now.Sub(p.CreatedAt).Round(time.Minute).String(),
	}
}

func stuckWithdrawal(w *ledger.Withdrawal, now time.Time) StuckWithdrawal {
	return StuckWithdrawal{
		ID:           w.ID,
		FreelancerID: w.FreelancerID,
		Amount:       money.Format(w.Amount),
		CreatedAt:    w.CreatedAt,
		Age:          now.Sub(w.CreatedAt).Round(time.Minute).String(),
	}
}
