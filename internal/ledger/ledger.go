// Package ledger is the durable record of escrow payments and freelancer
// withdrawals, and the only source balances are derived from.
//
// Records are never deleted. Status changes go through compare-and-set
// updates so that two actors racing on the same record cannot both win.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPaymentNotFound     = errors.New("ledger: payment not found")
	ErrWithdrawalNotFound  = errors.New("ledger: withdrawal not found")
	ErrConflict            = errors.New("ledger: record status changed concurrently")
	ErrInvalidTransition   = errors.New("ledger: status transition not allowed")
	ErrActivePaymentExists = errors.New("ledger: job already has an active payment")
	ErrInvalidRecord       = errors.New("ledger: invalid record")
)

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"   // hold placed, awaiting release
	PaymentCompleted PaymentStatus = "completed" // captured, counts toward balance
	PaymentFailed    PaymentStatus = "failed"    // hold expired or lost
	PaymentRefunded  PaymentStatus = "refunded"  // hold voided after dispute
)

// Terminal reports whether no transition leaves s.
func (s PaymentStatus) Terminal() bool {
	return s != PaymentPending
}

// CanTransition reports whether s -> to is an edge of the payment state machine.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	if s != PaymentPending {
		return false
	}
	switch to {
	case PaymentCompleted, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// WithdrawalStatus is the lifecycle state of a withdrawal.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// CanTransition reports whether s -> to is allowed.
func (s WithdrawalStatus) CanTransition(to WithdrawalStatus) bool {
	return s == WithdrawalPending && (to == WithdrawalCompleted || to == WithdrawalFailed)
}

// Payment is one escrowed charge for a job engagement.
type Payment struct {
	ID             string          `json:"id"`
	JobID          string          `json:"jobId"`
	FreelancerID   string          `json:"freelancerId"`
	BusinessID     string          `json:"businessId"`
	GrossAmount    decimal.Decimal `json:"grossAmount"`
	PlatformFee    decimal.Decimal `json:"platformFee"`
	NetAmount      decimal.Decimal `json:"netAmount"`
	Currency       string          `json:"currency"`
	Status         PaymentStatus   `json:"status"`
	HoldReference  string          `json:"holdReference,omitempty"`
	IdempotencyKey string          `json:"-"`
	DisputeReason  string          `json:"disputeReason,omitempty"`
	FailureReason  string          `json:"failureReason,omitempty"`
	ReviewDeadline time.Time       `json:"reviewDeadline"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`

	// ClientSecret lets the business confirm the hold in the browser. It is
	// returned once from initiation and never stored.
	ClientSecret string `json:"clientSecret,omitempty"`
}

// Withdrawal is one payout request by a freelancer.
type Withdrawal struct {
	ID                string           `json:"id"`
	FreelancerID      string           `json:"freelancerId"`
	Amount            decimal.Decimal  `json:"amount"`
	Currency          string           `json:"currency"`
	Status            WithdrawalStatus `json:"status"`
	TransferReference string           `json:"transferReference,omitempty"`
	FailureReason     string           `json:"failureReason,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
	CompletedAt       *time.Time       `json:"completedAt,omitempty"`
}

// PaymentFilter narrows ListPayments. Zero fields match everything.
// ParticipantID matches either side of the engagement.
type PaymentFilter struct {
	ParticipantID string
	FreelancerID  string
	BusinessID    string
	JobID         string
	Status        PaymentStatus
	Limit         int
}

// WithdrawalFilter narrows ListWithdrawals.
type WithdrawalFilter struct {
	FreelancerID string
	Status       WithdrawalStatus
	Limit        int
}

// DueCursor is a position in the due-payment order. The zero value starts
// at the head.
type DueCursor struct {
	Deadline time.Time
	ID       string
}

// CursorAfter returns the cursor that resumes listing after p.
func CursorAfter(p *Payment) DueCursor {
	return DueCursor{Deadline: p.ReviewDeadline, ID: p.ID}
}

// Precedes reports whether p sorts after the cursor.
func (c DueCursor) Precedes(p *Payment) bool {
	if !p.ReviewDeadline.Equal(c.Deadline) {
		return p.ReviewDeadline.After(c.Deadline)
	}
	return p.ID > c.ID
}

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

// Store persists ledger records.
//
// mutate callbacks run against the current record after the status check
// and before the write. They may set reasons, references and timestamps;
// amounts and identities are restored by the store.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetActivePaymentForJob(ctx context.Context, jobID string) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, id string, from, to PaymentStatus, mutate func(*Payment)) (*Payment, error)
	// MarkDisputed records a dispute reason on a pending payment without
	// changing its status. It returns ErrConflict when the payment is not
	// pending or already disputed.
	MarkDisputed(ctx context.Context, id, reason string) (*Payment, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]*Payment, error)
	ListCompletedPayments(ctx context.Context, freelancerID string) ([]*Payment, error)
	ListPendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]*Payment, error)
	// ListDuePayments lists undisputed pending payments whose review deadline
	// is before deadlineBefore, ordered by (review deadline, ID) and starting
	// after the cursor.
	ListDuePayments(ctx context.Context, deadlineBefore time.Time, after DueCursor, limit int) ([]*Payment, error)

	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	UpdateWithdrawalStatus(ctx context.Context, id string, from, to WithdrawalStatus, mutate func(*Withdrawal)) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]*Withdrawal, error)
	ListCompletedWithdrawals(ctx context.Context, freelancerID string) ([]*Withdrawal, error)
	ListPendingWithdrawals(ctx context.Context, createdBefore time.Time, limit int) ([]*Withdrawal, error)
}

// ValidatePayment checks the fields a new payment must carry.
func ValidatePayment(p *Payment) error {
	switch {
	case p.ID == "" || p.JobID == "" || p.FreelancerID == "" || p.BusinessID == "":
		return errors.Join(ErrInvalidRecord, errors.New("missing identifier"))
	case !p.GrossAmount.IsPositive():
		return errors.Join(ErrInvalidRecord, errors.New("gross amount must be positive"))
	case p.PlatformFee.IsNegative() || !p.PlatformFee.Add(p.NetAmount).Equal(p.GrossAmount):
		return errors.Join(ErrInvalidRecord, errors.New("fee and net must sum to gross"))
	case p.Status != PaymentPending:
		return errors.Join(ErrInvalidRecord, errors.New("new payments start pending"))
	}
	return nil
}

// ValidateWithdrawal checks the fields a new withdrawal must carry.
func ValidateWithdrawal(w *Withdrawal) error {
	switch {
	case w.ID == "" || w.FreelancerID == "":
		return errors.Join(ErrInvalidRecord, errors.New("missing identifier"))
	case !w.Amount.IsPositive():
		return errors.Join(ErrInvalidRecord, errors.New("amount must be positive"))
	case w.Status != WithdrawalPending:
		return errors.Join(ErrInvalidRecord, errors.New("new withdrawals start pending"))
	}
	return nil
}

// SumNet adds net amounts of the given payments.
func SumNet(payments []*Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.NetAmount)
	}
	return total
}

// SumWithdrawn adds withdrawal amounts.
func SumWithdrawn(ws []*Withdrawal) decimal.Decimal {
	total := decimal.Zero
	for _, w := range ws {
		total = total.Add(w.Amount)
	}
	return total
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultListLimit
	}
	return limit
}
