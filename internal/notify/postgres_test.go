//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/trackerjam/escrow/internal/testutil"
)

func TestPostgresSink_Deliver(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	sink := NewPostgresSink(db)
	ev := Event{
		ID:        "ntf_1",
		Type:      EventPaymentReleased,
		UserID:    "fl_1",
		Payload:   map[string]any{"paymentId": "pay_1", "amount": "950.00"},
		CreatedAt: time.Now().UTC(),
	}
	if err := sink.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	// Redelivery of the same id is ignored.
	if err := sink.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("redeliver: %v", err)
	}

	var (
		count int
		typ   string
		raw   []byte
		read  bool
	)
	if err := db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE user_id = 'fl_1'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if err := db.QueryRow(`SELECT type, data, read FROM notifications WHERE id = 'ntf_1'`).Scan(&typ, &raw, &read); err != nil {
		t.Fatal(err)
	}
	var data map[string]any
	_ = json.Unmarshal(raw, &data)
	if typ != string(EventPaymentReleased) || read || data["paymentId"] != "pay_1" {
		t.Errorf("row = %s %v %v", typ, read, data)
	}
}
