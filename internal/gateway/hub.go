package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

// ConnInfo carries per-connection metadata for logging and teardown.
type ConnInfo struct {
	ConnID      string
	UserID      string
	IP          string
	ConnectedAt time.Time
}

// Hub maintains the active UI websocket rooms, one per conversation.
type Hub struct {
	rooms map[int64]map[*websocket.Conn]ConnInfo
	mu    sync.RWMutex
	log   *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{rooms: make(map[int64]map[*websocket.Conn]ConnInfo), log: log}
}

// AddClient registers a websocket connection to a conversation room.
func (h *Hub) AddClient(conversationID int64, conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*websocket.Conn]ConnInfo)
	}
	h.rooms[conversationID][conn] = info
	observability.IncUIClients()
}

// RemoveClient removes a connection from a room. Removing an absent
// connection is a no-op.
func (h *Hub) RemoveClient(conversationID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	if _, present := conns[conn]; !present {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.rooms, conversationID)
	}
	observability.DecUIClients()
}

// Broadcast sends an engine event to every client in the conversation room.
// Connections that fail to write are dropped.
func (h *Hub) Broadcast(conversationID int64, event models.EngineEvent) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.rooms[conversationID]))
	for conn := range h.rooms[conversationID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	payload, _ := json.Marshal(event)
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Warn("websocket write failed", zap.Error(err))
			conn.Close()
			h.RemoveClient(conversationID, conn)
		}
	}
}

// CloseRoom disconnects every client of a conversation, used when the
// conversation itself is deleted.
func (h *Hub) CloseRoom(conversationID int64) {
	h.mu.Lock()
	conns := h.rooms[conversationID]
	delete(h.rooms, conversationID)
	h.mu.Unlock()

	for conn := range conns {
		conn.Close()
		observability.DecUIClients()
	}
}

// ClientCount returns the number of connections in a room.
func (h *Hub) ClientCount(conversationID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}
