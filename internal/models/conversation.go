package models

import "time"

// Conversation represents a private conversation between exactly two users.
// Participants are stored in normalized (lexicographic) order so that at most
// one conversation exists per unordered pair.
type Conversation struct {
	ID           int64     `db:"id" json:"id"`
	ParticipantA string    `db:"participant_a" json:"participant_a"`
	ParticipantB string    `db:"participant_b" json:"participant_b"`
	LastMessage  string    `db:"last_message" json:"last_message"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Other returns the participant that is not the given user.
func (c Conversation) Other(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// HasParticipant reports whether the user belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// ConversationSummary is the API-friendly view of a conversation for one user.
type ConversationSummary struct {
	ConversationID int64     `db:"id" json:"conversation_id"`
	PeerID         string    `db:"peer_id" json:"peer_id"`
	PeerName       string    `db:"-" json:"peer_name,omitempty"`
	PeerPhoto      string    `db:"-" json:"peer_photo,omitempty"`
	LastMessage    string    `db:"last_message" json:"last_message"`
	Unread         int       `db:"unread" json:"unread"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
