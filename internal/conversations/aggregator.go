// Package conversations maintains one user's conversation list: previews,
// unread counts and peer profiles, refreshed whenever the change feed reports
// the conversations table moved.
package conversations

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/realtime"
	"chat-sync/internal/repositories"
)

// Aggregator owns the materialized conversation list for a single user.
type Aggregator struct {
	userID string
	convs  repositories.ConversationRepository
	names  *realtime.NameCache
	feed   realtime.Feed
	log    *zap.Logger

	mu        sync.RWMutex
	summaries []models.ConversationSummary
	observers map[int64]chan struct{}
	nextObs   int64
}

// NewAggregator constructs an Aggregator for one user.
func NewAggregator(userID string, convs repositories.ConversationRepository, names *realtime.NameCache, feed realtime.Feed, log *zap.Logger) *Aggregator {
	return &Aggregator{
		userID:    userID,
		convs:     convs,
		names:     names,
		feed:      feed,
		log:       log.With(zap.String("user_id", userID)),
		observers: make(map[int64]chan struct{}),
	}
}

// Run subscribes to conversation changes for the user and keeps the list
// fresh until the context is cancelled. Any change notification triggers a
// full re-fetch; individual events are too coarse to patch the unread counts
// incrementally.
func (a *Aggregator) Run(ctx context.Context) error {
	if _, err := a.Refresh(ctx); err != nil {
		a.log.Warn("initial conversation list fetch failed", zap.Error(err))
	}

	sub, err := a.feed.Subscribe(ctx, realtime.Filter{Table: "conversations", Participant: a.userID})
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if _, err := a.Refresh(ctx); err != nil {
				a.log.Warn("conversation list refresh failed", zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Refresh re-fetches the conversation list, enriches it with peer profiles
// and notifies observers. It returns the new snapshot.
func (a *Aggregator) Refresh(ctx context.Context) ([]models.ConversationSummary, error) {
	summaries, err := a.convs.ListForUser(ctx, a.userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(summaries))
	for _, s := range summaries {
		ids = append(ids, s.PeerID)
	}
	profiles := a.names.Resolve(ctx, ids)
	for i := range summaries {
		if user, ok := profiles[summaries[i].PeerID]; ok {
			summaries[i].PeerName = user.Username
			summaries[i].PeerPhoto = user.ProfilePhoto
		}
	}

	a.mu.Lock()
	a.summaries = summaries
	a.mu.Unlock()

	a.notify()
	return a.Snapshot(), nil
}

// Snapshot returns a copy of the current conversation list.
func (a *Aggregator) Snapshot() []models.ConversationSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.ConversationSummary, len(a.summaries))
	copy(out, a.summaries)
	return out
}

// Search filters the current snapshot by case-insensitive substring match on
// the peer's display name. An empty query returns the full list.
func (a *Aggregator) Search(query string) []models.ConversationSummary {
	snapshot := a.Snapshot()
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return snapshot
	}

	filtered := snapshot[:0]
	for _, s := range snapshot {
		if strings.Contains(strings.ToLower(s.PeerName), query) {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Observe registers for change notifications. The returned channel receives a
// tick after every refresh; call the cancel func to unregister.
func (a *Aggregator) Observe() (<-chan struct{}, func()) {
	a.mu.Lock()
	id := a.nextObs
	a.nextObs++
	ch := make(chan struct{}, 1)
	a.observers[id] = ch
	a.mu.Unlock()

	return ch, func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

// notify wakes observers without blocking; a slow observer coalesces ticks.
func (a *Aggregator) notify() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ch := range a.observers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
