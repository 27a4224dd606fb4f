package models

import "time"

// Message represents one entry in a conversation's append-only log.
//
// A message carries body text, an attachment, or both, never neither. The ID
// is assigned by the backing store; optimistic local copies have ID zero and
// are identified by their correlation key until the echoed row arrives.
type Message struct {
	ID             int64          `db:"id" json:"id"`
	ConversationID int64          `db:"conversation_id" json:"conversation_id"`
	SenderID       string         `db:"sender_id" json:"sender_id"`
	Body           string         `db:"body" json:"body,omitempty"`
	Attachment     *Attachment    `db:"-" json:"attachment,omitempty"`
	Status         DeliveryStatus `db:"status" json:"status"`
	CorrelationKey string         `db:"correlation_key" json:"correlation_key,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`

	// SenderName is enrichment resolved at the reconciler boundary, never persisted.
	SenderName string `db:"-" json:"sender_name,omitempty"`
}

// IsEcho reports whether the message is a local optimistic copy awaiting its
// server-assigned identifier.
func (m Message) IsEcho() bool {
	return m.ID == 0
}

// HasContent reports whether the message satisfies the text-or-attachment invariant.
func (m Message) HasContent() bool {
	return m.Body != "" || m.Attachment != nil
}

// Preview returns the denormalized conversation-list preview for the message.
func (m Message) Preview() string {
	if m.Body != "" {
		return m.Body
	}
	if m.Attachment != nil {
		return "[Media]"
	}
	return ""
}
