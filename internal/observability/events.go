package observability

import (
	"net"
	"net/http"
	"strings"
)

// EventEnvelope is the wire shape for engine lifecycle events published to
// the events exchange (ws connects, session teardown).
type EventEnvelope struct {
	Event          string      `json:"event"`
	ConversationID int64       `json:"conversation_id,omitempty"`
	UserID         string      `json:"user_id,omitempty"`
	Payload        interface{} `json:"payload,omitempty"`
}

// BuildHeaders assembles AMQP headers for correlation; empty values are
// left out.
func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

func RequestIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-Request-Id")
}

// IPFromRequest prefers the first X-Forwarded-For hop over the socket peer.
func IPFromRequest(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
