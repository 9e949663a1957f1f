//go:build integration

package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/trackerjam/escrow/internal/testutil"
)

func seed(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`INSERT INTO profiles (id, email, user_type) VALUES ('biz_1', 'biz@example.com', 'business')`,
		`INSERT INTO profiles (id, email, user_type, stripe_connect_id) VALUES ('fl_1', 'fl@example.com', 'freelancer', 'acct_1')`,
		`INSERT INTO profiles (id, email, user_type) VALUES ('fl_2', 'fl2@example.com', 'freelancer')`,
		`INSERT INTO jobs (id, business_id, title, status) VALUES ('job_1', 'biz_1', 'Logo', 'in_progress')`,
		`INSERT INTO jobs (id, business_id, title) VALUES ('job_2', 'biz_1', 'Site')`,
		`INSERT INTO bids (id, job_id, freelancer_id, amount, status) VALUES ('bid_1', 'job_1', 'fl_2', 800, 'rejected')`,
		`INSERT INTO bids (id, job_id, freelancer_id, amount, status) VALUES ('bid_2', 'job_1', 'fl_1', 1000.50, 'accepted')`,
		`INSERT INTO bids (id, job_id, freelancer_id, amount, status) VALUES ('bid_3', 'job_2', 'fl_1', 50, 'pending')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("seed %q: %v", s, err)
		}
	}
}

func TestPostgresStore_Jobs(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seed(t, db)

	store := NewPostgresStore(db)
	ctx := context.Background()

	bid, err := store.GetAcceptedBid(ctx, "job_1")
	if err != nil {
		t.Fatalf("GetAcceptedBid: %v", err)
	}
	if bid.FreelancerID != "fl_1" || bid.BusinessID != "biz_1" || !bid.Amount.Equal(decimal.RequireFromString("1000.50")) {
		t.Errorf("bid = %+v", bid)
	}
	if _, err := store.GetAcceptedBid(ctx, "job_2"); !errors.Is(err, ErrNoAcceptedBid) {
		t.Errorf("job_2 err = %v", err)
	}
	if _, err := store.GetAcceptedBid(ctx, "job_x"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("job_x err = %v", err)
	}

	if err := store.MarkJobCompleted(ctx, "job_1"); err != nil {
		t.Fatal(err)
	}
	var status string
	_ = db.QueryRow(`SELECT status FROM jobs WHERE id = 'job_1'`).Scan(&status)
	if status != JobStatusCompleted {
		t.Errorf("status = %q", status)
	}
}

func TestPostgresStore_Profiles(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seed(t, db)

	store := NewPostgresStore(db)
	ctx := context.Background()

	acct, ok, err := store.GetPayoutAccount(ctx, "fl_1")
	if err != nil || !ok || acct != "acct_1" {
		t.Fatalf("fl_1 = (%q, %v, %v)", acct, ok, err)
	}
	if _, ok, _ := store.GetPayoutAccount(ctx, "fl_2"); ok {
		t.Error("fl_2 should have no payout account")
	}
	if err := store.SetPayoutAccount(ctx, "fl_2", "acct_2"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.HasVerifiedPayoutAccount(ctx, "fl_2"); !ok {
		t.Error("fl_2 should now have an account on file")
	}
	email, err := store.GetEmail(ctx, "biz_1")
	if err != nil || email != "biz@example.com" {
		t.Errorf("email = %q, %v", email, err)
	}
	if _, _, err := store.GetPayoutAccount(ctx, "ghost"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("ghost err = %v", err)
	}
}
