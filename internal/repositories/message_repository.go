package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions with the remote message log.
type MessageRepository interface {
	Insert(ctx context.Context, msg models.Message) (models.Message, error)
	ListByConversation(ctx context.Context, conversationID int64) ([]models.Message, error)
	Get(ctx context.Context, messageID int64) (models.Message, error)
	MarkBatch(ctx context.Context, conversationID int64, viewerID string, status models.DeliveryStatus) ([]int64, error)
	Delete(ctx context.Context, messageID int64, senderID string) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, body, attachment, status, correlation_key, created_at`

type messageRow struct {
	models.Message
	AttachmentRaw []byte `db:"attachment"`
}

func (r messageRow) toModel() (models.Message, error) {
	msg := r.Message
	if len(r.AttachmentRaw) > 0 {
		var att models.Attachment
		if err := json.Unmarshal(r.AttachmentRaw, &att); err != nil {
			return models.Message{}, fmt.Errorf("decode attachment: %w", err)
		}
		msg.Attachment = &att
	}
	return msg, nil
}

// Insert appends a message to the conversation's log. The store assigns the
// identifier; the row comes back with status sent.
func (r *MessageRepo) Insert(ctx context.Context, msg models.Message) (models.Message, error) {
	if !msg.HasContent() {
		return models.Message{}, errors.New("message needs text or attachment")
	}
	var row messageRow
	err := r.db.GetContext(ctx, &row, `INSERT INTO messages
        (conversation_id, sender_id, body, attachment, status, correlation_key, created_at)
        VALUES ($1, $2, $3, $4, 'sent', $5, $6)
        RETURNING `+messageColumns,
		msg.ConversationID, msg.SenderID, msg.Body, msg.Attachment, msg.CorrelationKey, msg.CreatedAt)
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel()
}

// ListByConversation returns the conversation's log ordered by creation time,
// ties broken by identifier. Deleted messages are excluded.
func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID int64) ([]models.Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND status <> 'deleted'
        ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toModel()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, messageID int64) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel()
}

// MarkBatch advances every message in the conversation that was not sent by
// the viewer and sits below the target status, in one write. It returns the
// affected identifiers so the caller can update local state without a
// re-fetch. The status filter keeps the advance monotonic.
func (r *MessageRepo) MarkBatch(ctx context.Context, conversationID int64, viewerID string, status models.DeliveryStatus) ([]int64, error) {
	var lower []string
	switch status {
	case models.StatusDelivered:
		lower = []string{string(models.StatusSent)}
	case models.StatusRead:
		lower = []string{string(models.StatusSent), string(models.StatusDelivered)}
	default:
		return nil, fmt.Errorf("cannot batch-mark status %q", status)
	}

	query, args, err := sqlx.In(`UPDATE messages SET status=?
        WHERE conversation_id=? AND sender_id<>? AND status IN (?) RETURNING id`,
		string(status), conversationID, viewerID, lower)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// Delete marks a message deleted. Only the sender may delete; deleting an
// already-absent message reports ErrMessageNotFound so callers can treat it
// as a no-op.
func (r *MessageRepo) Delete(ctx context.Context, messageID int64, senderID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET status='deleted'
        WHERE id=$1 AND sender_id=$2 AND status <> 'deleted'`, messageID, senderID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}
