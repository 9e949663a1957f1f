package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer drives the Runner on a fixed interval. The first sweep runs as soon
// as the timer starts so records left pending by a restart are not held for
// a full interval.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer that sweeps every five minutes.
func NewTimer(runner *Runner, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the sweep loop is alive. Used by /health.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start sweeps immediately and then every interval until ctx is done or Stop
// is called. Blocks; run it in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.logger.Info("reconciliation timer started", "interval", t.interval)
	t.sweep(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// sweep runs one pass. A panic is logged and the loop keeps going.
func (t *Timer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileErrors.Inc()
			t.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			t.logger.Warn("reconciliation sweep failed", "error", err)
		}
	case !report.Healthy:
		t.logger.Warn("reconciliation left gaps",
			"gaps", len(report.Gaps),
			"alerts", report.Alerts,
			"errors", len(report.Errors),
		)
	default:
		t.logger.Debug("reconciliation sweep clean",
			"payments_settled", report.PaymentsSettled,
			"withdrawals_settled", report.WithdrawalsSettled,
		)
	}
}
