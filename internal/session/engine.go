package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"chat-sync/internal/conversations"
	"chat-sync/internal/faults"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

// Engine tracks each user's open session and conversation list. It is the
// single entry point the gateway talks to.
type Engine struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
	aggs     map[string]*aggHandle
}

type aggHandle struct {
	agg    *conversations.Aggregator
	cancel context.CancelFunc
}

// NewEngine constructs an Engine.
func NewEngine(deps Deps) *Engine {
	return &Engine{
		deps:     deps,
		sessions: make(map[string]*Session),
		aggs:     make(map[string]*aggHandle),
	}
}

// StartConversation returns the conversation for the user/peer pair, creating
// it if absent.
func (e *Engine) StartConversation(ctx context.Context, userID, peerID string) (models.Conversation, error) {
	return e.deps.Conversations.CreateOrGet(ctx, userID, peerID)
}

// OpenConversation opens a session on the conversation, closing the user's
// previous session first so at most one feed subscription per user exists.
func (e *Engine) OpenConversation(ctx context.Context, userID string, conversationID int64) (*Session, error) {
	e.mu.Lock()
	prev := e.sessions[userID]
	delete(e.sessions, userID)
	e.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	sess, err := Open(ctx, userID, conversationID, e.deps)
	if err != nil {
		return nil, err
	}

	// A concurrent open for the same user may have stored a session while
	// the lock was released above; last store wins and the displaced
	// session is closed so its subscription never outlives the map entry.
	e.mu.Lock()
	displaced := e.sessions[userID]
	e.sessions[userID] = sess
	e.mu.Unlock()
	if displaced != nil {
		displaced.Close()
	}
	return sess, nil
}

// Session returns the user's open session, if any.
func (e *Engine) Session(userID string) (*Session, bool) {
	e.mu.Lock()
	sess, ok := e.sessions[userID]
	e.mu.Unlock()
	return sess, ok
}

// CloseConversation tears down the user's open session. Closing with nothing
// open is a no-op.
func (e *Engine) CloseConversation(userID string) {
	e.mu.Lock()
	sess := e.sessions[userID]
	delete(e.sessions, userID)
	e.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// DeleteConversation removes the conversation, its messages and their
// attachment blobs. Message rows cascade with the conversation row.
func (e *Engine) DeleteConversation(ctx context.Context, userID string, conversationID int64) error {
	member, err := e.deps.Conversations.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !member {
		return repositories.ErrConversationNotFound
	}

	msgs, err := e.deps.Messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	if sess, ok := e.Session(userID); ok && sess.ConversationID() == conversationID {
		e.CloseConversation(userID)
	}
	if err := e.deps.Conversations.Delete(ctx, conversationID); err != nil {
		return err
	}

	for _, msg := range msgs {
		if msg.Attachment == nil || msg.Attachment.StoragePath == "" {
			continue
		}
		if err := e.deps.Blobs.Delete(ctx, msg.Attachment.StoragePath); err != nil && !errors.Is(err, faults.ErrNotFound) {
			e.deps.Log.Warn("attachment blob delete failed",
				zap.Int64("message_id", msg.ID), zap.Error(err))
		}
	}
	return nil
}

// Aggregator returns the user's conversation list aggregator, starting one on
// first use.
func (e *Engine) Aggregator(userID string) *conversations.Aggregator {
	e.mu.Lock()
	defer e.mu.Unlock()
	if handle, ok := e.aggs[userID]; ok {
		return handle.agg
	}

	agg := conversations.NewAggregator(userID, e.deps.Conversations, e.deps.Names, e.deps.Feed, e.deps.Log)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := agg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.deps.Log.Warn("conversation aggregator stopped",
				zap.String("user_id", userID), zap.Error(err))
		}
	}()
	e.aggs[userID] = &aggHandle{agg: agg, cancel: cancel}
	return agg
}

// Shutdown closes every session and aggregator.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	sessions := e.sessions
	aggs := e.aggs
	e.sessions = make(map[string]*Session)
	e.aggs = make(map[string]*aggHandle)
	e.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	for _, handle := range aggs {
		handle.cancel()
	}
}
