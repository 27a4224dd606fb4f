package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"chat-sync/internal/identity"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var connSeq atomic.Uint64

func newConnID() string {
	return fmt.Sprintf("conn-%d-%d", time.Now().UnixMilli(), connSeq.Add(1))
}

// WebSocketHandler streams engine snapshots to UI clients.
type WebSocketHandler struct {
	hub      *Hub
	engine   *session.Engine
	provider identity.Provider
	log      *zap.Logger
}

// NewWebSocketHandler constructs a WebSocketHandler.
func NewWebSocketHandler(hub *Hub, engine *session.Engine, provider identity.Provider, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{hub: hub, engine: engine, provider: provider, log: log}
}

// Handle upgrades the connection and pumps session events to the client
// until either side closes.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	conversationID, ok := pathConversationID(c)
	if !ok {
		return
	}

	ctx, span := otel.Tracer("chat-sync/gateway").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
	}
	token = strings.TrimPrefix(token, "Bearer ")

	user, err := h.provider.CurrentUser(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	sess, ok := h.engine.Session(user.ID)
	if !ok || sess.ConversationID() != conversationID {
		c.JSON(http.StatusConflict, gin.H{"error": "conversation not open"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      user.ID,
		IP:          observability.IPFromRequest(c.Request),
		ConnectedAt: time.Now(),
	}
	h.hub.AddClient(conversationID, conn, info)

	requestID := observability.RequestIDFromRequest(c.Request)
	traceID := span.SpanContext().TraceID().String()
	_ = observability.PublishEvent(ctx, "ws_events.sessions", observability.EventEnvelope{
		Event:          "ws_connect",
		ConversationID: conversationID,
		UserID:         info.UserID,
		Payload: map[string]interface{}{
			"conn_id": info.ConnID,
			"ip":      info.IP,
		},
	}, observability.BuildHeaders(requestID, traceID))

	events, cancelSub := sess.Subscribe()

	// Writer: session snapshots flow down this connection until the
	// subscription or the socket dies.
	go func() {
		// Initial snapshot so the client renders before the next change.
		first := models.EngineEvent{Type: "snapshot", ConversationID: conversationID, Messages: sess.Snapshot()}
		if err := conn.WriteJSON(first); err != nil {
			return
		}
		for event := range events {
			if err := conn.WriteJSON(event); err != nil {
				h.log.Debug("websocket write error", zap.String("conn_id", info.ConnID), zap.Error(err))
				return
			}
		}
	}()

	// Reader: drains control frames and detects the client going away.
	go func() {
		defer func() {
			cancelSub()
			h.hub.RemoveClient(conversationID, conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
