package models

import (
	"errors"
	"fmt"
)

// EventType classifies a change-feed notification.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is a row-level notification from the backing store's change
// feed. Delivery is at-least-once and may be out of order; consumers must be
// idempotent. For deletes only the old row's identifier is guaranteed.
type ChangeEvent struct {
	Type    EventType `json:"type"`
	Table   string    `json:"table"`
	Message *Message  `json:"message,omitempty"`
	OldID   int64     `json:"old_id,omitempty"`
}

// Validate checks the event shape on ingress, before it touches local state.
func (e ChangeEvent) Validate() error {
	switch e.Type {
	case EventInsert, EventUpdate:
		if e.Message == nil {
			return fmt.Errorf("%s event without row", e.Type)
		}
		if e.Message.ID == 0 {
			return errors.New("event row missing id")
		}
		if !e.Message.HasContent() && e.Type == EventInsert {
			return errors.New("event row has neither text nor attachment")
		}
		if e.Message.Status != "" && !e.Message.Status.Valid() {
			return fmt.Errorf("event row has unknown status %q", e.Message.Status)
		}
		return nil
	case EventDelete:
		if e.OldID == 0 {
			return errors.New("delete event missing old id")
		}
		return nil
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}

// EngineEvent is pushed to UI subscribers over the local gateway websocket.
type EngineEvent struct {
	Type           string    `json:"type"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	Messages       []Message `json:"messages,omitempty"`
	MessageID      int64     `json:"message_id,omitempty"`
}
