package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/faults"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
	"chat-sync/internal/session"
	"chat-sync/internal/telemetry"
)

// Handler exposes the engine over the local REST surface.
type Handler struct {
	engine *session.Engine
	users  repositories.UserRepository
	tokens repositories.PushTokenRepository
	audit  *telemetry.AuditEmitter
	log    *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(engine *session.Engine, users repositories.UserRepository, tokens repositories.PushTokenRepository, audit *telemetry.AuditEmitter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{engine: engine, users: users, tokens: tokens, audit: audit, log: log}
}

// ListConversations returns the user's conversation list with previews,
// unread counts and peer profiles.
func (h *Handler) ListConversations(c *gin.Context) {
	userID := c.GetString("userID")

	agg := h.engine.Aggregator(userID)
	list, err := agg.Refresh(c.Request.Context())
	if err != nil {
		// Serve the last known snapshot; the list degrades, it never blanks.
		h.log.Warn("conversation list refresh failed", zap.Error(err))
		list = agg.Snapshot()
	}
	if query := c.Query("q"); query != "" {
		list = agg.Search(query)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// StartConversation creates or returns the conversation with a peer.
func (h *Handler) StartConversation(c *gin.Context) {
	var req struct {
		PeerID string `json:"peer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString("userID")
	if userID == req.PeerID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start a conversation with yourself"})
		return
	}

	conv, err := h.engine.StartConversation(c.Request.Context(), userID, req.PeerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conv.ID})
}

// OpenConversation opens the live session and returns the initial snapshot.
func (h *Handler) OpenConversation(c *gin.Context) {
	conversationID, ok := pathConversationID(c)
	if !ok {
		return
	}
	userID := c.GetString("userID")

	sess, err := h.engine.OpenConversation(c.Request.Context(), userID, conversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not open conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": sess.Snapshot()})
}

// CloseConversation tears down the user's open session.
func (h *Handler) CloseConversation(c *gin.Context) {
	h.engine.CloseConversation(c.GetString("userID"))
	c.Status(http.StatusNoContent)
}

// GetMessages returns the current snapshot of the open conversation.
func (h *Handler) GetMessages(c *gin.Context) {
	sess, ok := h.openSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": sess.Snapshot()})
}

// PostMessage sends a message, optionally with an attachment blob.
func (h *Handler) PostMessage(c *gin.Context) {
	sess, ok := h.openSession(c)
	if !ok {
		return
	}

	var req struct {
		Body       string `json:"body"`
		Attachment *struct {
			Data        []byte `json:"data"`
			ContentType string `json:"content_type"`
			Name        string `json:"name"`
			DurationMs  int64  `json:"duration_ms"`
		} `json:"attachment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Body == "" && req.Attachment == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message needs text or an attachment"})
		return
	}

	var draft *session.AttachmentDraft
	if req.Attachment != nil {
		draft = &session.AttachmentDraft{
			Data:        req.Attachment.Data,
			ContentType: req.Attachment.ContentType,
			Name:        req.Attachment.Name,
			DurationMs:  req.Attachment.DurationMs,
		}
	}

	key, err := sess.Send(c.Request.Context(), req.Body, draft)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"correlation_key": key, "status": "sent"})
	case faults.IsNetwork(err) && key != "":
		// The echo is persisted and retryable; the send is accepted, not lost.
		c.JSON(http.StatusAccepted, gin.H{"correlation_key": key, "status": "pending"})
	default:
		if ue, isUpload := faults.AsUpload(err); isUpload {
			status := http.StatusBadGateway
			if ue.Stage == faults.StagePermission {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": "upload failed", "stage": string(ue.Stage)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// RetryMessage re-attempts a pending send.
func (h *Handler) RetryMessage(c *gin.Context) {
	sess, ok := h.openSession(c)
	if !ok {
		return
	}

	var req struct {
		CorrelationKey string `json:"correlation_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := sess.RetrySend(c.Request.Context(), req.CorrelationKey)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"correlation_key": req.CorrelationKey, "status": "sent"})
	case errors.Is(err, faults.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending message for key"})
	case faults.IsNetwork(err):
		c.JSON(http.StatusAccepted, gin.H{"correlation_key": req.CorrelationKey, "status": "pending"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry failed"})
	}
}

// DeleteMessage removes one of the caller's own messages.
func (h *Handler) DeleteMessage(c *gin.Context) {
	sess, ok := h.openSession(c)
	if !ok {
		return
	}
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	if err := sess.DeleteMessage(c.Request.Context(), messageID); err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete message"})
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", "message deleted", requestIDFromContext(c), userIDFromContext(c))
	c.Status(http.StatusNoContent)
}

// MarkRead advances every foreign message in the open conversation to read.
func (h *Handler) MarkRead(c *gin.Context) {
	sess, ok := h.openSession(c)
	if !ok {
		return
	}
	if err := sess.MarkConversationRead(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not mark conversation read"})
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteConversation removes the conversation, its messages and blobs.
func (h *Handler) DeleteConversation(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conversationID, ok := pathConversationID(c)
		if !ok {
			return
		}
		userID := c.GetString("userID")

		if err := h.engine.DeleteConversation(c.Request.Context(), userID, conversationID); err != nil {
			if errors.Is(err, repositories.ErrConversationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete conversation"})
			return
		}
		// Tell connected peers why their socket is about to close.
		hub.Broadcast(conversationID, models.EngineEvent{Type: "conversation_deleted", ConversationID: conversationID})
		hub.CloseRoom(conversationID)
		h.audit.Emit(c.Request.Context(), "INFO", "conversation deleted", requestIDFromContext(c), userIDFromContext(c))
		c.Status(http.StatusNoContent)
	}
}

// SearchUsers finds users by username substring for starting conversations.
func (h *Handler) SearchUsers(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query"})
		return
	}

	users, err := h.users.SearchByUsername(c.Request.Context(), c.GetString("userID"), query, 5)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// RegisterPushToken stores the device push token for the user.
func (h *Handler) RegisterPushToken(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.tokens.Upsert(c.Request.Context(), c.GetString("userID"), req.Token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not register token"})
		return
	}
	c.Status(http.StatusNoContent)
}

// openSession resolves the caller's open session and checks it matches the
// conversation in the path.
func (h *Handler) openSession(c *gin.Context) (*session.Session, bool) {
	conversationID, ok := pathConversationID(c)
	if !ok {
		return nil, false
	}

	sess, ok := h.engine.Session(c.GetString("userID"))
	if !ok || sess.ConversationID() != conversationID {
		c.JSON(http.StatusConflict, gin.H{"error": "conversation not open"})
		return nil, false
	}
	return sess, true
}

func pathConversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("conversation_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return id, true
}
