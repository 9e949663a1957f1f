package processor

import (
	"context"
	"errors"
	"testing"
)

func newTestMemory() *MemoryGateway {
	m := NewMemoryGateway()
	m.SetPayee("acct_1", true)
	return m
}

func TestMemory_HoldLifecycle(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	hold, err := m.CreateHold(ctx, HoldRequest{AmountMinor: 10000, FeeMinor: 500, PayeeAccountID: "acct_1", IdempotencyKey: "job_1:1"})
	if err != nil {
		t.Fatalf("CreateHold: %v", err)
	}
	if hold.State != HoldHeld {
		t.Fatalf("state = %s, want held", hold.State)
	}

	if err := m.CaptureHold(ctx, hold.Reference); err != nil {
		t.Fatalf("CaptureHold: %v", err)
	}
	if err := m.CaptureHold(ctx, hold.Reference); !errors.Is(err, ErrHoldAlreadyCaptured) {
		t.Fatalf("second capture err = %v", err)
	}
	if err := m.VoidHold(ctx, hold.Reference); !errors.Is(err, ErrHoldAlreadyCaptured) {
		t.Fatalf("void after capture err = %v", err)
	}
	state, _ := m.HoldState(ctx, hold.Reference)
	if state != HoldCaptured {
		t.Errorf("state = %s, want captured", state)
	}
}

func TestMemory_HoldIdempotent(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()
	req := HoldRequest{AmountMinor: 10000, FeeMinor: 500, PayeeAccountID: "acct_1", IdempotencyKey: "job_1:1"}

	a, err := m.CreateHold(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.CreateHold(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if a.Reference != b.Reference {
		t.Errorf("references differ: %s vs %s", a.Reference, b.Reference)
	}
}

func TestMemory_HoldRejectsUnverifiedPayee(t *testing.T) {
	m := newTestMemory()
	m.SetPayee("acct_2", false)

	for _, acct := range []string{"acct_2", "acct_unknown"} {
		_, err := m.CreateHold(context.Background(), HoldRequest{AmountMinor: 100, PayeeAccountID: acct})
		if !errors.Is(err, ErrPayeeAccountInvalid) {
			t.Errorf("%s: err = %v", acct, err)
		}
	}
}

func TestMemory_ExpireAndConfirm(t *testing.T) {
	m := newTestMemory()
	m.RequireConfirmation(true)
	ctx := context.Background()

	hold, _ := m.CreateHold(ctx, HoldRequest{AmountMinor: 100, PayeeAccountID: "acct_1"})
	if err := m.CaptureHold(ctx, hold.Reference); !errors.Is(err, ErrHoldNotReady) {
		t.Fatalf("capture unconfirmed err = %v", err)
	}
	m.Confirm(hold.Reference)
	m.Expire(hold.Reference)
	if err := m.CaptureHold(ctx, hold.Reference); !errors.Is(err, ErrHoldExpired) {
		t.Fatalf("capture expired err = %v", err)
	}
	if err := m.CaptureHold(ctx, "pi_missing"); !errors.Is(err, ErrHoldNotFound) {
		t.Fatalf("capture missing err = %v", err)
	}
}

func TestMemory_TransferIdempotentAndFunds(t *testing.T) {
	m := newTestMemory()
	m.SetAvailable(1500)
	ctx := context.Background()

	req := TransferRequest{AmountMinor: 1000, PayeeAccountID: "acct_1", Group: "wd_1", IdempotencyKey: "wd_1"}
	a, err := m.Transfer(ctx, req)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	b, err := m.Transfer(ctx, req)
	if err != nil {
		t.Fatalf("replayed Transfer: %v", err)
	}
	if a != b || m.TransferCount() != 1 {
		t.Fatalf("replay created a second transfer: %s %s count=%d", a, b, m.TransferCount())
	}

	_, err = m.Transfer(ctx, TransferRequest{AmountMinor: 1000, PayeeAccountID: "acct_1", Group: "wd_2", IdempotencyKey: "wd_2"})
	if !errors.Is(err, ErrInsufficientGatewayFunds) {
		t.Fatalf("err = %v, want ErrInsufficientGatewayFunds", err)
	}

	ref, found, err := m.FindTransfer(ctx, "wd_1")
	if err != nil || !found || ref != a {
		t.Fatalf("FindTransfer = (%q, %v, %v)", ref, found, err)
	}
	if _, found, _ := m.FindTransfer(ctx, "wd_2"); found {
		t.Error("failed transfer should not be found")
	}
}

func TestMemory_FailNext(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()
	m.FailNext("create_hold", ErrGatewayUnavailable, ErrGatewayUnavailable)

	req := HoldRequest{AmountMinor: 100, PayeeAccountID: "acct_1"}
	for i := 0; i < 2; i++ {
		if _, err := m.CreateHold(ctx, req); !errors.Is(err, ErrGatewayUnavailable) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if _, err := m.CreateHold(ctx, req); err != nil {
		t.Fatalf("third call: %v", err)
	}
	if got := m.Calls("create_hold"); got != 3 {
		t.Errorf("Calls = %d, want 3", got)
	}
}

func TestMemory_Onboarding(t *testing.T) {
	m := NewMemoryGateway()
	ctx := context.Background()

	id, err := m.CreatePayeeAccount(ctx, "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := m.PayeeVerified(ctx, id)
	if err != nil || !ok {
		t.Fatalf("PayeeVerified = %v, %v", ok, err)
	}
	if _, err := m.OnboardingLink(ctx, "acct_missing", "r", "u"); !errors.Is(err, ErrPayeeAccountInvalid) {
		t.Errorf("err = %v", err)
	}
}
