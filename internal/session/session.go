// Package session owns the live machinery for one open conversation: the
// in-memory message store, its reconciler, the attachment uploader and the
// pending-send outbox. A user has at most one session open at a time.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"chat-sync/internal/faults"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/outbox"
	"chat-sync/internal/push"
	"chat-sync/internal/realtime"
	"chat-sync/internal/repositories"
	"chat-sync/internal/storage"
	"chat-sync/internal/store"
	"chat-sync/internal/uploader"
)

var tracer = otel.Tracer("chat-sync/session")

// AttachmentDraft describes media to upload alongside a send.
type AttachmentDraft struct {
	Data        []byte
	ContentType string
	Name        string
	DurationMs  int64
}

// Session is the open-conversation unit of the engine.
type Session struct {
	userID         string
	conversationID int64
	peerID         string

	store    *store.MessageStore
	rec      *realtime.Reconciler
	messages repositories.MessageRepository
	convs    repositories.ConversationRepository
	uploads  *uploader.Uploader
	blobs    storage.ObjectStorage
	pending  *outbox.Outbox
	notifier *push.Notifier
	names    *realtime.NameCache
	log      *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	observers map[int64]chan models.EngineEvent
	nextObs   int64
}

// Deps bundles the collaborators a session needs; the engine fills it once.
type Deps struct {
	Feed          realtime.Feed
	Messages      repositories.MessageRepository
	Conversations repositories.ConversationRepository
	Uploader      *uploader.Uploader
	Blobs         storage.ObjectStorage
	Outbox        *outbox.Outbox
	Notifier      *push.Notifier
	Names         *realtime.NameCache
	ResyncEvery   time.Duration
	Log           *zap.Logger
}

// Open loads history, replays the outbox, marks foreign messages delivered
// and starts the reconciler. The returned session is live until Close.
func Open(ctx context.Context, userID string, conversationID int64, deps Deps) (*Session, error) {
	ctx, span := tracer.Start(ctx, "session.Open")
	defer span.End()

	conv, err := deps.Conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, repositories.ErrConversationNotFound
	}

	log := deps.Log.With(zap.String("user_id", userID), zap.Int64("conversation_id", conversationID))
	s := &Session{
		userID:         userID,
		conversationID: conversationID,
		peerID:         conv.Other(userID),
		store:          store.New(conversationID, log),
		messages:       deps.Messages,
		convs:          deps.Conversations,
		uploads:        deps.Uploader,
		blobs:          deps.Blobs,
		pending:        deps.Outbox,
		notifier:       deps.Notifier,
		names:          deps.Names,
		log:            log,
		done:           make(chan struct{}),
		observers:      make(map[int64]chan models.EngineEvent),
	}

	history, err := deps.Messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(history))
	for _, msg := range history {
		ids = append(ids, msg.SenderID)
	}
	profiles := deps.Names.Resolve(ctx, ids)
	for i := range history {
		history[i].SenderName = profiles[history[i].SenderID].Username
	}
	s.store.Seed(history)

	if s.pending != nil {
		unsent, err := s.pending.Pending(ctx, conversationID)
		if err != nil {
			log.Warn("outbox replay failed", zap.Error(err))
		}
		for _, msg := range unsent {
			if _, err := s.store.AppendOptimistic(msg); err != nil {
				log.Warn("outbox entry dropped", zap.String("correlation_key", msg.CorrelationKey), zap.Error(err))
			}
		}
	}

	// Everything the peer sent up to now is on this device, so it is delivered.
	s.markLocal(ctx, models.StatusDelivered)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.rec = realtime.NewReconciler(conversationID, deps.Feed, s.store, deps.Messages,
		deps.Names, deps.ResyncEvery, log)
	s.rec.OnApplied = s.onApplied

	go func() {
		defer close(s.done)
		if err := s.rec.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reconciler stopped", zap.Error(err))
		}
	}()

	return s, nil
}

// ConversationID returns the conversation this session is bound to.
func (s *Session) ConversationID() int64 { return s.conversationID }

// Send uploads the attachment if present, appends an optimistic echo,
// persists it to the outbox and writes the row. The echo stays pending and
// retryable when the write fails; nothing half-sent is ever shown.
func (s *Session) Send(ctx context.Context, body string, draft *AttachmentDraft) (string, error) {
	ctx, span := tracer.Start(ctx, "session.Send")
	defer span.End()
	started := time.Now()

	msg := models.Message{
		ConversationID: s.conversationID,
		SenderID:       s.userID,
		Body:           body,
	}
	if draft != nil {
		att, err := s.uploads.Upload(ctx, uploader.Request{
			ConversationID: s.conversationID,
			Data:           draft.Data,
			ContentType:    draft.ContentType,
			Name:           draft.Name,
			DurationMs:     draft.DurationMs,
		})
		if err != nil {
			return "", err
		}
		msg.Attachment = &att
	}

	key, err := s.store.AppendOptimistic(msg)
	if err != nil {
		return "", err
	}
	msg.CorrelationKey = key
	echo, _ := s.echoByKey(key)
	msg.CreatedAt = echo.CreatedAt
	s.broadcastSnapshot()

	if s.pending != nil {
		if err := s.pending.Put(ctx, msg); err != nil {
			s.log.Warn("outbox write failed", zap.String("correlation_key", key), zap.Error(err))
		}
	}

	if err := s.deliver(ctx, msg); err != nil {
		return key, err
	}
	observability.ObserveSendDuration(time.Since(started))
	return key, nil
}

// RetrySend re-attempts a pending echo left behind by a failed Send.
func (s *Session) RetrySend(ctx context.Context, correlationKey string) error {
	echo, ok := s.echoByKey(correlationKey)
	if !ok {
		return faults.ErrNotFound
	}
	return s.deliver(ctx, echo)
}

// deliver writes the row and reconciles the acknowledgment into the store.
func (s *Session) deliver(ctx context.Context, msg models.Message) error {
	inserted, err := s.messages.Insert(ctx, msg)
	if err != nil {
		s.log.Warn("send failed, echo retained", zap.String("correlation_key", msg.CorrelationKey), zap.Error(err))
		return faults.Network("insert message", err)
	}

	inserted.SenderName = s.names.Name(ctx, s.userID)
	s.store.ReconcileRemote(inserted)
	s.broadcastSnapshot()

	if s.pending != nil {
		if err := s.pending.Delete(ctx, msg.CorrelationKey); err != nil {
			s.log.Warn("outbox cleanup failed", zap.String("correlation_key", msg.CorrelationKey), zap.Error(err))
		}
	}
	if err := s.convs.TouchPreview(ctx, s.conversationID, inserted.Preview()); err != nil {
		s.log.Warn("preview update failed", zap.Error(err))
	}
	if s.notifier != nil {
		title := inserted.SenderName
		if title == "" {
			title = "New message"
		}
		s.notifier.Notify(ctx, s.peerID, title, inserted.Preview(),
			map[string]any{"conversation_id": s.conversationID})
	}
	return nil
}

// DeleteMessage removes one of the caller's own messages along with its
// attachment blob. The store row is tombstoned, not erased, so the change
// feed can fan the deletion out to the peer.
func (s *Session) DeleteMessage(ctx context.Context, messageID int64) error {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}

	if err := s.messages.Delete(ctx, messageID, s.userID); err != nil {
		return err
	}
	s.store.Remove(messageID)
	s.broadcastSnapshot()

	if msg.Attachment != nil && msg.Attachment.StoragePath != "" {
		if err := s.blobs.Delete(ctx, msg.Attachment.StoragePath); err != nil && !errors.Is(err, faults.ErrNotFound) {
			s.log.Warn("attachment blob delete failed", zap.String("path", msg.Attachment.StoragePath), zap.Error(err))
		}
	}
	return nil
}

// MarkConversationRead advances every foreign message to read in one write
// and mirrors the advancement locally.
func (s *Session) MarkConversationRead(ctx context.Context) error {
	return s.markLocal(ctx, models.StatusRead)
}

func (s *Session) markLocal(ctx context.Context, status models.DeliveryStatus) error {
	ids, err := s.messages.MarkBatch(ctx, s.conversationID, s.userID, status)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.store.ApplyStatusUpdate(id, status); err != nil {
			s.log.Warn("local status apply failed", zap.Int64("message_id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		s.broadcastSnapshot()
	}
	return nil
}

// Snapshot returns the render-ready message slice.
func (s *Session) Snapshot() []models.Message {
	return s.store.Snapshot()
}

// Subscribe registers a UI observer. Each delivery is a full snapshot; slow
// observers coalesce to the latest one.
func (s *Session) Subscribe() (<-chan models.EngineEvent, func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	ch := make(chan models.EngineEvent, 1)
	s.observers[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.observers[id]; !ok {
			return
		}
		delete(s.observers, id)
		// Broadcasts send under s.mu, so nothing can write after the
		// delete; closing here lets range-based consumers unwind.
		close(ch)
	}
}

// Close stops the reconciler and waits for it to unwind.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// onApplied runs on the reconciler goroutine after every applied feed event.
// A foreign insert means the peer's message just landed on this device, so
// it is marked delivered.
func (s *Session) onApplied(event models.ChangeEvent) {
	if event.Type == models.EventInsert && event.Message != nil && event.Message.SenderID != s.userID {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.markLocal(ctx, models.StatusDelivered); err != nil {
			s.log.Warn("delivered mark failed", zap.Error(err))
		}
		cancel()
	}
	s.broadcastSnapshot()
}

func (s *Session) echoByKey(key string) (models.Message, bool) {
	for _, echo := range s.store.PendingEchoes() {
		if echo.CorrelationKey == key {
			return echo, true
		}
	}
	return models.Message{}, false
}

func (s *Session) broadcastSnapshot() {
	event := models.EngineEvent{
		Type:           "snapshot",
		ConversationID: s.conversationID,
		Messages:       s.store.Snapshot(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.observers {
		select {
		case ch <- event:
		default:
			// Drain the stale snapshot and replace it with the fresh one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}
