package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresSink inserts events into the notifications table the marketplace
// UI reads for its notification bell.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a sink over db.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (p *PostgresSink) Name() string { return "postgres" }

func (p *PostgresSink) Deliver(ctx context.Context, ev Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, data, read, created_at)
		VALUES ($1, $2, $3, $4::jsonb, FALSE, $5)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.UserID, string(ev.Type), string(data), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("notify: insert notification: %w", err)
	}
	return nil
}

var _ Sink = (*PostgresSink)(nil)
