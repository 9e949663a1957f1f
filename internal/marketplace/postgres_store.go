package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresStore reads the marketplace tables shared with the hosted backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over the marketplace database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAcceptedBid(ctx context.Context, jobID string) (*AcceptedBid, error) {
	var (
		businessID   string
		freelancerID sql.NullString
		amount       sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT j.business_id, b.freelancer_id, b.amount::TEXT
		FROM jobs j
		LEFT JOIN bids b ON b.job_id = j.id AND b.status = $2
		WHERE j.id = $1
		ORDER BY b.created_at DESC NULLS LAST
		LIMIT 1`, jobID, BidStatusAccepted,
	).Scan(&businessID, &freelancerID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("marketplace: accepted bid for %s: %w", jobID, err)
	}
	if !freelancerID.Valid {
		return nil, ErrNoAcceptedBid
	}

	amt, err := decimal.NewFromString(amount.String)
	if err != nil {
		return nil, fmt.Errorf("marketplace: bid amount %q: %w", amount.String, err)
	}
	return &AcceptedBid{
		JobID:        jobID,
		BusinessID:   businessID,
		FreelancerID: freelancerID.String,
		Amount:       amt,
	}, nil
}

func (p *PostgresStore) MarkJobCompleted(ctx context.Context, jobID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, jobID, JobStatusCompleted)
	if err != nil {
		return fmt.Errorf("marketplace: mark job %s completed: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (p *PostgresStore) GetPayoutAccount(ctx context.Context, userID string) (string, bool, error) {
	var account sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT stripe_connect_id FROM profiles WHERE id = $1`, userID).Scan(&account)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrProfileNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("marketplace: payout account for %s: %w", userID, err)
	}
	if !account.Valid || account.String == "" {
		return "", false, nil
	}
	return account.String, true, nil
}

// HasVerifiedPayoutAccount only checks that an account is on file. Wrap the
// store in VerifiedProfiles to ask the processor.
func (p *PostgresStore) HasVerifiedPayoutAccount(ctx context.Context, userID string) (bool, error) {
	_, ok, err := p.GetPayoutAccount(ctx, userID)
	return ok, err
}

func (p *PostgresStore) SetPayoutAccount(ctx context.Context, userID, accountID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE profiles SET stripe_connect_id = $2 WHERE id = $1`, userID, accountID)
	if err != nil {
		return fmt.Errorf("marketplace: set payout account for %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (p *PostgresStore) GetEmail(ctx context.Context, userID string) (string, error) {
	var email sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT email FROM profiles WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrProfileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("marketplace: email for %s: %w", userID, err)
	}
	return email.String, nil
}

var (
	_ Jobs     = (*PostgresStore)(nil)
	_ Profiles = (*PostgresStore)(nil)
)
