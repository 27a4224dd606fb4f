// Package outbox persists optimistic sends in a local sqlite file so a
// restart does not lose messages that were never acknowledged.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"chat-sync/internal/models"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
        correlation_key TEXT PRIMARY KEY,
        conversation_id INTEGER NOT NULL,
        sender_id       TEXT NOT NULL,
        body            TEXT NOT NULL DEFAULT '',
        attachment      TEXT,
        created_at_ms   INTEGER NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_conversation ON outbox (conversation_id, created_at_ms);`,
}

// Outbox is the sqlite-backed pending-send store.
type Outbox struct {
	db *sqlx.DB
}

// Open creates or opens the outbox file and applies migrations.
func Open(path string) (*Outbox, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate outbox: %w", err)
		}
	}
	return &Outbox{db: db}, nil
}

// Put records a pending send, replacing any previous row for the same
// correlation key so retries stay idempotent.
func (o *Outbox) Put(ctx context.Context, msg models.Message) error {
	if msg.CorrelationKey == "" {
		return errors.New("outbox entry needs a correlation key")
	}

	var attachment sql.NullString
	if msg.Attachment != nil {
		raw, err := json.Marshal(msg.Attachment)
		if err != nil {
			return err
		}
		attachment = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := o.db.ExecContext(ctx, `INSERT OR REPLACE INTO outbox
        (correlation_key, conversation_id, sender_id, body, attachment, created_at_ms)
        VALUES (?, ?, ?, ?, ?, ?)`,
		msg.CorrelationKey, msg.ConversationID, msg.SenderID, msg.Body,
		attachment, msg.CreatedAt.UnixMilli())
	return err
}

// Delete removes an acknowledged send. Deleting an absent key is a no-op.
func (o *Outbox) Delete(ctx context.Context, correlationKey string) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE correlation_key=?`, correlationKey)
	return err
}

// Pending returns the unacknowledged sends for a conversation, oldest first.
func (o *Outbox) Pending(ctx context.Context, conversationID int64) ([]models.Message, error) {
	rows, err := o.db.QueryxContext(ctx, `SELECT correlation_key, conversation_id, sender_id, body, attachment, created_at_ms
        FROM outbox WHERE conversation_id=? ORDER BY created_at_ms ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var (
			msg        models.Message
			attachment sql.NullString
			createdMs  int64
		)
		if err := rows.Scan(&msg.CorrelationKey, &msg.ConversationID, &msg.SenderID,
			&msg.Body, &attachment, &createdMs); err != nil {
			return nil, err
		}
		if attachment.Valid {
			var att models.Attachment
			if err := json.Unmarshal([]byte(attachment.String), &att); err != nil {
				return nil, fmt.Errorf("decode outbox attachment: %w", err)
			}
			msg.Attachment = &att
		}
		msg.Status = models.StatusPending
		msg.CreatedAt = time.UnixMilli(createdMs).UTC()
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Close releases the sqlite handle.
func (o *Outbox) Close() error {
	return o.db.Close()
}
