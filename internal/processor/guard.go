package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trackerjam/escrow/internal/circuitbreaker"
)

var (
	gatewayCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "processor",
		Name:      "calls_total",
		Help:      "Payment processor calls by operation and result.",
	}, []string{"op", "result"})

	gatewayCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrow",
		Subsystem: "processor",
		Name:      "call_duration_seconds",
		Help:      "Payment processor call latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(gatewayCallsTotal, gatewayCallDuration)
}

// Guard wraps a Processor with a per-call timeout, a circuit breaker per
// operation and call metrics. Only transient failures count against the
// circuit.
type Guard struct {
	next    Processor
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewGuard wraps next. A nil breaker disables circuit breaking.
func NewGuard(next Processor, breaker *circuitbreaker.Breaker, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Guard{next: next, breaker: breaker, timeout: timeout}
}

// Breaker exposes the circuit breaker for health reporting.
func (g *Guard) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *Guard) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	run := func() error {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		err := fn(cctx)
		if err != nil && !IsTransient(err) && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s timed out after %s", ErrGatewayUnavailable, op, g.timeout)
		}
		return err
	}

	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(op, run, IsTransient)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: circuit open for %s", ErrGatewayUnavailable, op)
		}
	} else {
		err = run()
	}

	gatewayCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	gatewayCallsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTransient(err):
		return "unavailable"
	default:
		return "rejected"
	}
}

func (g *Guard) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	var hold *Hold
	err := g.call(ctx, "create_hold", func(ctx context.Context) error {
		var err error
		hold, err = g.next.CreateHold(ctx, req)
		return err
	})
	return hold, err
}

func (g *Guard) CaptureHold(ctx context.Context, reference string) error {
	return g.call(ctx, "capture_hold", func(ctx context.Context) error {
		return g.next.CaptureHold(ctx, reference)
	})
}

func (g *Guard) VoidHold(ctx context.Context, reference string) error {
	return g.call(ctx, "void_hold", func(ctx context.Context) error {
		return g.next.VoidHold(ctx, reference)
	})
}

func (g *Guard) HoldState(ctx context.Context, reference string) (HoldState, error) {
	var state HoldState
	err := g.call(ctx, "hold_state", func(ctx context.Context) error {
		var err error
		state, err = g.next.HoldState(ctx, reference)
		return err
	})
	return state, err
}

func (g *Guard) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	var ref string
	err := g.call(ctx, "transfer", func(ctx context.Context) error {
		var err error
		ref, err = g.next.Transfer(ctx, req)
		return err
	})
	return ref, err
}

func (g *Guard) FindTransfer(ctx context.Context, group string) (string, bool, error) {
	var (
		ref   string
		found bool
	)
	err := g.call(ctx, "find_transfer", func(ctx context.Context) error {
		var err error
		ref, found, err = g.next.FindTransfer(ctx, group)
		return err
	})
	return ref, found, err
}

func (g *Guard) PayeeVerified(ctx context.Context, accountID string) (bool, error) {
	var ok bool
	err := g.call(ctx, "payee_verified", func(ctx context.Context) error {
		var err error
		ok, err = g.next.PayeeVerified(ctx, accountID)
		return err
	})
	return ok, err
}

func (g *Guard) CreatePayeeAccount(ctx context.Context, email string) (string, error) {
	var id string
	err := g.call(ctx, "create_payee_account", func(ctx context.Context) error {
		var err error
		id, err = g.next.CreatePayeeAccount(ctx, email)
		return err
	})
	return id, err
}

func (g *Guard) OnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	var url string
	err := g.call(ctx, "onboarding_link", func(ctx context.Context) error {
		var err error
		url, err = g.next.OnboardingLink(ctx, accountID, refreshURL, returnURL)
		return err
	})
	return url, err
}

var _ Processor = (*Guard)(nil)
