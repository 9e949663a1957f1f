package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/trackerjam/escrow/internal/circuitbreaker"
)

// slowGateway blocks HoldState until the context ends.
type slowGateway struct {
	*MemoryGateway
}

func (s slowGateway) HoldState(ctx context.Context, reference string) (HoldState, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestGuard_OpensOnTransientFailures(t *testing.T) {
	m := newTestMemory()
	g := NewGuard(m, circuitbreaker.New(2, time.Hour), time.Second)
	ctx := context.Background()

	m.FailNext("capture_hold", ErrGatewayUnavailable, ErrGatewayUnavailable)
	for i := 0; i < 2; i++ {
		if err := g.CaptureHold(ctx, "pi_x"); !IsTransient(err) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}

	err := g.CaptureHold(ctx, "pi_x")
	if !IsTransient(err) {
		t.Fatalf("open circuit err = %v, want transient", err)
	}
	if got := m.Calls("capture_hold"); got != 2 {
		t.Errorf("open circuit reached gateway: calls = %d", got)
	}
	if g.Breaker().State("capture_hold") != circuitbreaker.StateOpen {
		t.Error("circuit should be open")
	}
	// Other operations have their own circuit.
	if _, err := g.CreateHold(ctx, HoldRequest{AmountMinor: 100, PayeeAccountID: "acct_1"}); err != nil {
		t.Errorf("create_hold blocked by capture circuit: %v", err)
	}
}

func TestGuard_BusinessErrorsDoNotTrip(t *testing.T) {
	m := newTestMemory()
	g := NewGuard(m, circuitbreaker.New(1, time.Hour), time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.CaptureHold(ctx, "pi_missing"); !errors.Is(err, ErrHoldNotFound) {
			t.Fatalf("err = %v", err)
		}
	}
	if g.Breaker().State("capture_hold") != circuitbreaker.StateClosed {
		t.Error("business errors must not open the circuit")
	}
}

func TestGuard_TimeoutIsTransient(t *testing.T) {
	g := NewGuard(slowGateway{newTestMemory()}, nil, 20*time.Millisecond)

	_, err := g.HoldState(context.Background(), "pi_x")
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestGuard_CountsCalls(t *testing.T) {
	m := newTestMemory()
	g := NewGuard(m, nil, time.Second)

	before := testutil.ToFloat64(gatewayCallsTotal.WithLabelValues("payee_verified", "ok"))
	if _, err := g.PayeeVerified(context.Background(), "acct_1"); err != nil {
		t.Fatal(err)
	}
	after := testutil.ToFloat64(gatewayCallsTotal.WithLabelValues("payee_verified", "ok"))
	if after-before != 1 {
		t.Errorf("calls_total delta = %v, want 1", after-before)
	}
}
