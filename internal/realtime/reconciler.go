package realtime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/faults"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/repositories"
	"chat-sync/internal/store"
)

// Reconciler keeps one conversation's MessageStore consistent with the
// remote log. It consumes the change feed (at-least-once, unordered) and
// runs a supervisory periodic re-fetch as a fallback for anything the feed
// dropped while disconnected. Every apply path is idempotent.
type Reconciler struct {
	conversationID int64
	feed           Feed
	store          *store.MessageStore
	messages       repositories.MessageRepository
	names          *NameCache
	resyncEvery    time.Duration
	log            *zap.Logger

	// OnApplied, when set, runs after each successfully applied event and
	// after each resync. It executes on the reconciler goroutine.
	OnApplied func(models.ChangeEvent)
}

// NewReconciler constructs a Reconciler for one conversation.
func NewReconciler(conversationID int64, feed Feed, st *store.MessageStore,
	messages repositories.MessageRepository, names *NameCache,
	resyncEvery time.Duration, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		conversationID: conversationID,
		feed:           feed,
		store:          st,
		messages:       messages,
		names:          names,
		resyncEvery:    resyncEvery,
		log:            log.With(zap.Int64("conversation_id", conversationID)),
	}
}

// Run subscribes and processes events until the context is canceled. The
// subscription is released on return.
func (r *Reconciler) Run(ctx context.Context) error {
	sub, err := r.feed.Subscribe(ctx, Filter{Table: "messages", ConversationID: r.conversationID})
	if err != nil {
		return faults.Network("feed subscribe", err)
	}
	defer sub.Close()

	var ticker *time.Ticker
	var tick <-chan time.Time
	if r.resyncEvery > 0 {
		ticker = time.NewTicker(r.resyncEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			r.Apply(ctx, event)
		case <-tick:
			if err := r.Resync(ctx); err != nil {
				r.log.Warn("supervisory resync failed", zap.Error(err))
			}
		}
	}
}

// Apply folds one change event into local state. Replays and out-of-order
// arrivals are absorbed by the store's dedup and monotonicity rules.
func (r *Reconciler) Apply(ctx context.Context, event models.ChangeEvent) {
	if err := event.Validate(); err != nil {
		observability.IncRealtimeEvent(string(event.Type), "invalid")
		r.log.Warn("dropping invalid feed event", zap.Error(err))
		return
	}

	switch event.Type {
	case models.EventInsert:
		msg := *event.Message
		if msg.SenderName == "" {
			msg.SenderName = r.names.Name(ctx, msg.SenderID)
		}
		r.store.ReconcileRemote(msg)
		observability.IncRealtimeEvent("insert", "applied")

	case models.EventUpdate:
		msg := *event.Message
		if msg.Status == models.StatusDeleted {
			// Remove is a no-op for rows we never held, so a delete-update
			// arriving before its insert (or replayed after removal) must
			// not fall through to the reinsert path below.
			r.store.Remove(msg.ID)
			observability.IncRealtimeEvent("update", "applied")
			break
		}
		if _, known := r.store.Get(msg.ID); !known {
			// Update raced ahead of its insert; treat the row as new.
			if msg.SenderName == "" {
				msg.SenderName = r.names.Name(ctx, msg.SenderID)
			}
			r.store.ReconcileRemote(msg)
			observability.IncRealtimeEvent("update", "applied")
			break
		}
		if err := r.store.ApplyStatusUpdate(msg.ID, msg.Status); err != nil {
			if errors.Is(err, faults.ErrConflict) {
				observability.IncReconcileAnomaly()
				observability.IncRealtimeEvent("update", "conflict")
				break
			}
			observability.IncRealtimeEvent("update", "error")
			break
		}
		observability.IncRealtimeEvent("update", "applied")

	case models.EventDelete:
		r.store.Remove(event.OldID)
		observability.IncRealtimeEvent("delete", "applied")
	}

	if r.OnApplied != nil {
		r.OnApplied(event)
	}
}

// Resync re-fetches the conversation's log and reconciles every row,
// covering events lost while the feed was down. Rows deleted remotely are
// dropped locally; optimistic echoes survive.
func (r *Reconciler) Resync(ctx context.Context) error {
	msgs, err := r.messages.ListByConversation(ctx, r.conversationID)
	if err != nil {
		return faults.Network("history fetch", err)
	}

	senderIDs := make([]string, 0, len(msgs))
	seen := map[string]struct{}{}
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			senderIDs = append(senderIDs, m.SenderID)
		}
	}
	profiles := r.names.Resolve(ctx, senderIDs)

	present := make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		m.SenderName = profiles[m.SenderID].Username
		present[m.ID] = struct{}{}
		r.store.ReconcileRemote(m)
	}

	for _, m := range r.store.Snapshot() {
		if m.IsEcho() {
			continue
		}
		if _, ok := present[m.ID]; !ok {
			r.store.Remove(m.ID)
		}
	}

	if r.OnApplied != nil {
		r.OnApplied(models.ChangeEvent{Type: models.EventUpdate, Table: "messages"})
	}
	return nil
}
