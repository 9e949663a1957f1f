// Package processor is the boundary to the external payment processor: held
// charges, capture, void, transfers to payee accounts and payee onboarding.
//
// Amounts cross this boundary only as int64 minor units.
package processor

import (
	"context"
	"errors"
)

var (
	// ErrGatewayUnavailable covers network failures, timeouts, 5xx and rate
	// limiting. It is the only retryable error.
	ErrGatewayUnavailable = errors.New("processor: gateway unavailable")

	ErrPayeeAccountInvalid      = errors.New("processor: payee account invalid")
	ErrHoldExpired              = errors.New("processor: hold expired or canceled")
	ErrHoldNotFound             = errors.New("processor: hold not found")
	ErrHoldAlreadyCaptured      = errors.New("processor: hold already captured")
	ErrHoldNotReady             = errors.New("processor: hold not yet confirmed by payer")
	ErrInsufficientGatewayFunds = errors.New("processor: insufficient platform funds")
	ErrDeclined                 = errors.New("processor: request declined")
)

// HoldState is the processor-side state of a held charge.
type HoldState string

const (
	HoldAwaitingConfirmation HoldState = "awaiting_confirmation" // payer has not confirmed the card yet
	HoldHeld                 HoldState = "held"
	HoldCaptured             HoldState = "captured"
	HoldVoided               HoldState = "voided"
)

// HoldRequest places a held charge for later capture. FeeMinor stays with
// the platform; the rest is routed to PayeeAccountID on capture.
type HoldRequest struct {
	AmountMinor    int64
	FeeMinor       int64
	Currency       string
	PayeeAccountID string
	IdempotencyKey string
	Metadata       map[string]string
}

// Hold is a created held charge.
type Hold struct {
	Reference    string
	ClientSecret string
	State        HoldState
}

// TransferRequest moves platform funds to a payee account. Group tags the
// transfer so it can be found again after a crash.
type TransferRequest struct {
	AmountMinor    int64
	Currency       string
	PayeeAccountID string
	Group          string
	IdempotencyKey string
	Metadata       map[string]string
}

// Gateway is what the escrow and balance services need from the processor.
type Gateway interface {
	CreateHold(ctx context.Context, req HoldRequest) (*Hold, error)
	CaptureHold(ctx context.Context, reference string) error
	VoidHold(ctx context.Context, reference string) error
	HoldState(ctx context.Context, reference string) (HoldState, error)
	Transfer(ctx context.Context, req TransferRequest) (reference string, err error)
	FindTransfer(ctx context.Context, group string) (reference string, found bool, err error)
	PayeeVerified(ctx context.Context, accountID string) (bool, error)
}

// Onboarding creates payee accounts and hosted onboarding links.
type Onboarding interface {
	CreatePayeeAccount(ctx context.Context, email string) (accountID string, err error)
	OnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (url string, err error)
}

// Processor is a Gateway that also handles onboarding.
type Processor interface {
	Gateway
	Onboarding
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
