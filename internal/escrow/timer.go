package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trackerjam/escrow/internal/ledger"
)

// Timer releases pending payments whose review window elapsed without a
// dispute. The first pass runs when the timer starts, so payments that came
// due while the service was down are released on boot.
type Timer struct {
	service  *Service
	store    ledger.Store
	interval time.Duration
	batch    int
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates an auto-release timer that checks every minute.
func NewTimer(service *Service, store ledger.Store, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: time.Minute,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets how often due payments are checked.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the release loop is alive. Used by /health.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start releases due payments now and then every interval until ctx is done
// or Stop is called. Blocks; run it in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.logger.Info("auto-release timer started", "interval", t.interval, "review_window", t.service.ReviewWindow())
	t.tick(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// WithBatch sets how many due payments are listed per page.
func (t *Timer) WithBatch(n int) *Timer {
	if n > 0 {
		t.batch = n
	}
	return t
}

// tick runs one pass. A panic is logged and the loop keeps going.
func (t *Timer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-release timer", "panic", fmt.Sprint(r))
		}
	}()
	t.ReleaseDue(ctx)
}

// ReleaseDue walks every due payment a page at a time and returns how many
// were released. The walk moves past payments it cannot release, so they
// never hide the ones behind them.
func (t *Timer) ReleaseDue(ctx context.Context) int {
	now := t.service.now()
	var after ledger.DueCursor
	released := 0
	for ctx.Err() == nil {
		due, err := t.store.ListDuePayments(ctx, now, after, t.batch)
		if err != nil {
			t.logger.Warn("failed to list due payments", "error", err)
			return released
		}
		for _, p := range due {
			if ctx.Err() != nil {
				return released
			}
			if t.release(ctx, p) {
				released++
			}
		}
		if len(due) < t.batch {
			return released
		}
		after = ledger.CursorAfter(due[len(due)-1])
	}
	return released
}

func (t *Timer) release(ctx context.Context, p *ledger.Payment) bool {
	err := t.service.AutoRelease(ctx, p)
	switch {
	case err == nil:
		t.logger.Info("auto-released payment",
			"payment_id", p.ID,
			"job_id", p.JobID,
			"freelancer_id", p.FreelancerID,
			"net", p.NetAmount.StringFixed(2),
		)
		return true
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrNotDue):
		// Approved or disputed since the listing.
	case errors.Is(err, ErrHoldUnconfirmed):
		t.logger.Info("voided unconfirmed hold", "payment_id", p.ID, "job_id", p.JobID)
	default:
		t.logger.Warn("failed to auto-release payment", "payment_id", p.ID, "error", err)
	}
	return false
}
