// Package marketplace reads the hosted marketplace's jobs, bids and profiles.
// Those tables belong to the marketplace backend; this service only reads
// accepted bids, marks jobs completed and stores payout account ids.
package marketplace

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrJobNotFound     = errors.New("marketplace: job not found")
	ErrNoAcceptedBid   = errors.New("marketplace: job has no accepted bid")
	ErrProfileNotFound = errors.New("marketplace: profile not found")
)

// Job statuses written by this service.
const (
	JobStatusCompleted = "completed"
	BidStatusAccepted  = "accepted"
)

// AcceptedBid is the engagement a payment is made for.
type AcceptedBid struct {
	JobID        string          `json:"jobId"`
	BusinessID   string          `json:"businessId"`
	FreelancerID string          `json:"freelancerId"`
	Amount       decimal.Decimal `json:"amount"`
}

// Jobs is what the escrow service needs from the job board.
type Jobs interface {
	GetAcceptedBid(ctx context.Context, jobID string) (*AcceptedBid, error)
	MarkJobCompleted(ctx context.Context, jobID string) error
}

// Profiles is what the payment services need from user profiles.
type Profiles interface {
	// GetPayoutAccount returns the processor account id; ok is false when
	// the user never started onboarding.
	GetPayoutAccount(ctx context.Context, userID string) (accountID string, ok bool, err error)
	// HasVerifiedPayoutAccount reports whether the user can receive funds.
	HasVerifiedPayoutAccount(ctx context.Context, userID string) (bool, error)
	SetPayoutAccount(ctx context.Context, userID, accountID string) error
	GetEmail(ctx context.Context, userID string) (string, error)
}
