package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/trackerjam/escrow/internal/metrics"
)

type recordingSink struct {
	mu     sync.Mutex
	name   string
	events []Event
	err    error
	block  bool
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Deliver(ctx context.Context, ev Event) error {
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) got() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitter_FansOut(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	e := NewEmitter(quietLogger(), a, b)

	e.Emit(context.Background(), Event{Type: EventPaymentReleased, UserID: "fl_1", Payload: map[string]any{"amount": "950.00"}})
	e.Wait()

	for _, s := range []*recordingSink{a, b} {
		got := s.got()
		if len(got) != 1 {
			t.Fatalf("sink %s got %d events", s.name, len(got))
		}
		if got[0].ID == "" || got[0].CreatedAt.IsZero() {
			t.Errorf("sink %s: id/created_at not filled: %+v", s.name, got[0])
		}
	}
}

func TestEmitter_DropsEventsWithoutUser(t *testing.T) {
	a := &recordingSink{name: "a"}
	e := NewEmitter(quietLogger(), a)
	e.Emit(context.Background(), Event{Type: EventPaymentHeld})
	e.Wait()
	if len(a.got()) != 0 {
		t.Fatal("event without user was delivered")
	}
}

func TestEmitter_FailuresAreCounted(t *testing.T) {
	bad := &recordingSink{name: "bad_test_sink", err: errors.New("boom")}
	e := NewEmitter(quietLogger(), bad)

	before := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("bad_test_sink", "error"))
	e.Emit(context.Background(), Event{Type: EventPaymentFailed, UserID: "biz_1"})
	e.Wait()
	after := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("bad_test_sink", "error"))
	if after-before != 1 {
		t.Errorf("error count delta = %v, want 1", after-before)
	}
}

func TestEmitter_SurvivesCanceledRequest(t *testing.T) {
	a := &recordingSink{name: "a"}
	e := NewEmitter(quietLogger(), a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Emit(ctx, Event{Type: EventPaymentHeld, UserID: "fl_1"})
	e.Wait()
	if len(a.got()) != 1 {
		t.Fatal("delivery should not depend on the caller's context")
	}
}

func TestEmitter_TimeoutBoundsSlowSink(t *testing.T) {
	slow := &recordingSink{name: "slow_test_sink", block: true}
	e := NewEmitter(quietLogger(), slow).WithTimeout(20 * time.Millisecond)

	start := time.Now()
	e.Emit(context.Background(), Event{Type: EventPaymentHeld, UserID: "fl_1"})
	e.Wait()
	if time.Since(start) > time.Second {
		t.Error("slow sink not bounded by timeout")
	}
}

func TestNilEmitterAndNop(t *testing.T) {
	var e *Emitter
	e.Emit(context.Background(), Event{UserID: "x"})
	Nop{}.Emit(context.Background(), Event{UserID: "x"})
	if err := NewLogSink(quietLogger()).Deliver(context.Background(), Event{UserID: "x"}); err != nil {
		t.Fatal(err)
	}
}

func TestHub_PushesToUser(t *testing.T) {
	hub := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeUser(w, r, r.URL.Query().Get("user"))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?user=fl_1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Connected() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !hub.Running() {
		t.Fatal("hub should be running")
	}

	// Another user's event is not delivered to fl_1.
	if err := hub.Deliver(ctx, Event{ID: "n0", Type: EventPaymentHeld, UserID: "biz_1"}); err != nil {
		t.Fatal(err)
	}
	if err := hub.Deliver(ctx, Event{ID: "n1", Type: EventPaymentReleased, UserID: "fl_1"}); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID != "n1" || ev.Type != EventPaymentReleased {
		t.Errorf("got %+v, want n1 payment_released", ev)
	}
}
