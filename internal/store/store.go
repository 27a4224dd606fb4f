// Package store keeps the ordered, deduplicated local message cache for one
// conversation and merges remote state with locally-optimistic entries.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-sync/internal/delivery"
	"chat-sync/internal/models"
)

// echoMatchWindow bounds the timestamp proximity used for best-effort echo
// matching when the echoed row does not carry the correlation key back.
const echoMatchWindow = 2 * time.Second

// MessageStore holds one conversation's visible message sequence. Order is
// total by (created_at, id) regardless of arrival order; the sequence never
// contains two entries for the same logical message. All methods are safe
// for concurrent use, although the session serializes mutations in practice.
type MessageStore struct {
	mu             sync.RWMutex
	conversationID int64
	entries        []models.Message
	log            *zap.Logger
}

// New creates an empty store for a conversation.
func New(conversationID int64, log *zap.Logger) *MessageStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageStore{conversationID: conversationID, log: log}
}

func less(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Seed loads the initial history fetch, replacing confirmed entries while
// retaining any optimistic echoes still awaiting acknowledgment.
func (s *MessageStore) Seed(msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var echoes []models.Message
	for _, e := range s.entries {
		if e.IsEcho() {
			echoes = append(echoes, e)
		}
	}

	s.entries = make([]models.Message, 0, len(msgs)+len(echoes))
	for _, m := range msgs {
		if m.Status == "" {
			m.Status = models.StatusSent
		}
		s.insertSortedLocked(m)
	}
	s.entries = append(s.entries, echoes...)
}

// AppendOptimistic inserts a local echo at the tail, immediately visible with
// status pending, and returns its correlation key. Drafts violating the
// text-or-attachment invariant are rejected.
func (s *MessageStore) AppendOptimistic(draft models.Message) (string, error) {
	if !draft.HasContent() {
		return "", errors.New("draft needs text or attachment")
	}

	draft.ID = 0
	draft.ConversationID = s.conversationID
	draft.Status = models.StatusPending
	if draft.CorrelationKey == "" {
		draft.CorrelationKey = uuid.NewString()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.IsEcho() && e.CorrelationKey == draft.CorrelationKey {
			// Replaying an outbox entry that is already visible.
			return draft.CorrelationKey, nil
		}
	}
	s.entries = append(s.entries, draft)
	return draft.CorrelationKey, nil
}

// ReconcileRemote merges a server-confirmed row. A matching local echo is
// replaced in place, preserving its position; a replayed row merges
// idempotently; anything else inserts in sorted position, which absorbs
// out-of-order arrival.
func (s *MessageStore) ReconcileRemote(msg models.Message) {
	if msg.ID == 0 {
		s.log.Warn("dropping remote row without id", zap.Int64("conversation_id", s.conversationID))
		return
	}
	if msg.Status == "" {
		msg.Status = models.StatusSent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexByIDLocked(msg.ID); i >= 0 {
		s.mergeLocked(i, msg)
		return
	}

	if i := s.matchEchoLocked(msg); i >= 0 {
		keep := s.entries[i]
		msg.CorrelationKey = keep.CorrelationKey
		if msg.SenderName == "" {
			msg.SenderName = keep.SenderName
		}
		s.entries[i] = msg
		return
	}

	s.insertSortedLocked(msg)
}

// ApplyStatusUpdate advances a message's status. Non-monotonic updates are
// logged as anomalies and never applied; updating an absent message is a
// no-op so replayed updates for deleted rows stay harmless.
func (s *MessageStore) ApplyStatusUpdate(messageID int64, status models.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexByIDLocked(messageID)
	if i < 0 {
		return nil
	}
	next, err := delivery.Advance(s.entries[i].Status, status)
	if err != nil {
		s.log.Warn("rejected status transition",
			zap.Int64("message_id", messageID),
			zap.String("from", string(s.entries[i].Status)),
			zap.String("to", string(status)))
		return err
	}
	s.entries[i].Status = next
	return nil
}

// Remove deletes a message locally. Removing an absent id is a no-op.
func (s *MessageStore) Remove(messageID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexByIDLocked(messageID); i >= 0 {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
	}
}

// RemoveEcho drops an optimistic entry by correlation key, used when a send
// is abandoned before acknowledgment.
func (s *MessageStore) RemoveEcho(correlationKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.IsEcho() && e.CorrelationKey == correlationKey {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of the visible sequence.
func (s *MessageStore) Snapshot() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, len(s.entries))
	copy(out, s.entries)
	return out
}

// Get returns a message by id.
func (s *MessageStore) Get(messageID int64) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexByIDLocked(messageID); i >= 0 {
		return s.entries[i], true
	}
	return models.Message{}, false
}

// PendingEchoes returns the optimistic entries still awaiting acknowledgment.
func (s *MessageStore) PendingEchoes() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Message
	for _, e := range s.entries {
		if e.IsEcho() {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of visible messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MessageStore) indexByIDLocked(id int64) int {
	for i, e := range s.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) matchEchoLocked(msg models.Message) int {
	// Correlation key is authoritative when the echoed row carries it back.
	if msg.CorrelationKey != "" {
		for i, e := range s.entries {
			if e.IsEcho() && e.CorrelationKey == msg.CorrelationKey {
				return i
			}
		}
	}
	// Best-effort fallback: sender, content, and timestamp proximity.
	for i, e := range s.entries {
		if !e.IsEcho() || e.SenderID != msg.SenderID {
			continue
		}
		if !contentEqual(e, msg) {
			continue
		}
		delta := msg.CreatedAt.Sub(e.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= echoMatchWindow {
			return i
		}
	}
	return -1
}

func (s *MessageStore) mergeLocked(i int, msg models.Message) {
	current := &s.entries[i]
	if next, err := delivery.Advance(current.Status, msg.Status); err == nil {
		current.Status = next
	}
	if current.SenderName == "" && msg.SenderName != "" {
		current.SenderName = msg.SenderName
	}
	if current.Body == "" {
		current.Body = msg.Body
	}
	if current.Attachment == nil {
		current.Attachment = msg.Attachment
	}
}

func (s *MessageStore) insertSortedLocked(msg models.Message) {
	// Echoes sit at the tail and outbox replays can carry timestamps older
	// than confirmed rows, so the binary search is bounded to the sorted
	// confirmed prefix. Inserting at or before n keeps echoes at the tail.
	n := len(s.entries)
	for i, e := range s.entries {
		if e.IsEcho() {
			n = i
			break
		}
	}
	i := sort.Search(n, func(i int) bool {
		return less(msg, s.entries[i])
	})
	s.entries = append(s.entries, models.Message{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = msg
}

func contentEqual(a, b models.Message) bool {
	if a.Body != b.Body {
		return false
	}
	switch {
	case a.Attachment == nil && b.Attachment == nil:
		return true
	case a.Attachment == nil || b.Attachment == nil:
		return false
	default:
		return a.Attachment.URL == b.Attachment.URL
	}
}
