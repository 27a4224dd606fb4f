package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateOrGet(ctx context.Context, userID, peerID string) (models.Conversation, error)
	Get(ctx context.Context, conversationID int64) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID int64, userID string) (bool, error)
	ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	TouchPreview(ctx context.Context, conversationID int64, preview string) error
	Delete(ctx context.Context, conversationID int64) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// CreateOrGet returns the conversation for the unordered participant pair,
// creating it if absent. Participants are normalized to lexicographic order
// before lookup so the pair-uniqueness constraint holds regardless of which
// side initiates.
func (r *ConversationRepo) CreateOrGet(ctx context.Context, userID, peerID string) (models.Conversation, error) {
	if userID == peerID {
		return models.Conversation{}, errors.New("cannot start conversation with self")
	}
	a, b := userID, peerID
	if b < a {
		a, b = b, a
	}

	var conv models.Conversation
	query := `SELECT id, participant_a, participant_b, last_message, updated_at, created_at
        FROM conversations WHERE participant_a=$1 AND participant_b=$2`
	err := r.db.GetContext(ctx, &conv, query, a, b)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, err
	}

	err = r.db.GetContext(ctx, &conv, `INSERT INTO conversations (participant_a, participant_b)
        VALUES ($1, $2)
        ON CONFLICT (participant_a, participant_b) DO UPDATE SET participant_a = EXCLUDED.participant_a
        RETURNING id, participant_a, participant_b, last_message, updated_at, created_at`, a, b)
	return conv, err
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, participant_a, participant_b, last_message, updated_at, created_at
        FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID int64, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(
        SELECT 1 FROM conversations WHERE id=$1 AND (participant_a=$2 OR participant_b=$2))`,
		conversationID, userID)
	return exists, err
}

// ListForUser returns the user's conversations with denormalized previews and
// unread counts, newest first. A conversation with no messages sorts by its
// creation timestamp because updated_at starts equal to created_at.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	query := `SELECT c.id,
        CASE WHEN c.participant_a=$1 THEN c.participant_b ELSE c.participant_a END AS peer_id,
        c.last_message,
        c.updated_at,
        (SELECT COUNT(*) FROM messages m
            WHERE m.conversation_id=c.id AND m.sender_id<>$1 AND m.status IN ('sent','delivered')) AS unread
        FROM conversations c
        WHERE c.participant_a=$1 OR c.participant_b=$1
        ORDER BY c.updated_at DESC`
	var result []models.ConversationSummary
	err := r.db.SelectContext(ctx, &result, query, userID)
	return result, err
}

// TouchPreview updates the denormalized last-message preview and bumps updated_at.
func (r *ConversationRepo) TouchPreview(ctx context.Context, conversationID int64, preview string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET last_message=$2, updated_at=NOW() WHERE id=$1`,
		conversationID, preview)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// Delete removes the conversation; owned messages cascade in the store.
func (r *ConversationRepo) Delete(ctx context.Context, conversationID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, conversationID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}
