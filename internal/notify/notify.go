// Package notify delivers payment lifecycle notifications to users.
//
// Emission is fire-and-forget: sinks run asynchronously with a bounded
// timeout, and failures are logged and counted but never reach the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trackerjam/escrow/internal/idgen"
	"github.com/trackerjam/escrow/internal/metrics"
)

// EventType names a notification.
type EventType string

const (
	EventPaymentHeld         EventType = "payment_held"
	EventPaymentReleased     EventType = "payment_released"
	EventPaymentRefunded     EventType = "payment_refunded"
	EventPaymentFailed       EventType = "payment_failed"
	EventPaymentDisputed     EventType = "payment_disputed"
	EventWithdrawalCompleted EventType = "withdrawal_completed"
	EventWithdrawalFailed    EventType = "withdrawal_failed"
	EventReconciliationAlert EventType = "reconciliation_alert"
)

// Event is one notification for one user.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"userId"`
	Payload   map[string]any `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Notifier is what the payment services depend on.
type Notifier interface {
	Emit(ctx context.Context, ev Event)
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// DefaultTimeout bounds a single sink delivery.
const DefaultTimeout = 5 * time.Second

// Emitter fans events out to sinks.
type Emitter struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewEmitter creates an emitter delivering to every sink.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sinks: sinks, logger: logger, timeout: DefaultTimeout}
}

// WithTimeout sets the per-sink delivery timeout.
func (e *Emitter) WithTimeout(d time.Duration) *Emitter {
	if d > 0 {
		e.timeout = d
	}
	return e
}

// Emit schedules delivery and returns immediately. Events without a user
// are dropped.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil || ev.UserID == "" {
		return
	}
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("ntf_")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	// Delivery outlives the request that triggered it.
	base := context.WithoutCancel(ctx)
	for _, s := range e.sinks {
		e.wg.Add(1)
		go func(s Sink) {
			defer e.wg.Done()
			dctx, cancel := context.WithTimeout(base, e.timeout)
			defer cancel()
			if err := s.Deliver(dctx, ev); err != nil {
				metrics.NotificationsTotal.WithLabelValues(s.Name(), "error").Inc()
				e.logger.Warn("notification delivery failed",
					"sink", s.Name(), "type", ev.Type, "user_id", ev.UserID, "error", err)
				return
			}
			metrics.NotificationsTotal.WithLabelValues(s.Name(), "ok").Inc()
		}(s)
	}
}

// Wait blocks until in-flight deliveries finish.
func (e *Emitter) Wait() {
	e.wg.Wait()
}

// LogSink writes events to the log. Useful in development.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Deliver(ctx context.Context, ev Event) error {
	l.logger.Info("notification", "id", ev.ID, "type", ev.Type, "user_id", ev.UserID, "data", ev.Payload)
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

var (
	_ Notifier = (*Emitter)(nil)
	_ Notifier = Nop{}
	_ Sink     = (*LogSink)(nil)
)
