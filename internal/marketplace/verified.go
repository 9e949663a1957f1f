package marketplace

import (
	"context"
	"fmt"
)

// PayeeChecker reports whether a processor account can receive payouts.
type PayeeChecker interface {
	PayeeVerified(ctx context.Context, accountID string) (bool, error)
}

// VerifiedProfiles decorates a Profiles store so that a payout account only
// counts as verified once the processor reports it payout-enabled.
type VerifiedProfiles struct {
	Profiles
	payees PayeeChecker
}

// NewVerifiedProfiles wraps profiles.
func NewVerifiedProfiles(profiles Profiles, payees PayeeChecker) *VerifiedProfiles {
	return &VerifiedProfiles{Profiles: profiles, payees: payees}
}

func (v *VerifiedProfiles) HasVerifiedPayoutAccount(ctx context.Context, userID string) (bool, error) {
	account, ok, err := v.Profiles.GetPayoutAccount(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	verified, err := v.payees.PayeeVerified(ctx, account)
	if err != nil {
		return false, fmt.Errorf("marketplace: verify payout account: %w", err)
	}
	return verified, nil
}

var _ Profiles = (*VerifiedProfiles)(nil)
