package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/observability"
	"chat-sync/internal/telemetry"
)

func requestIDFromContext(c *gin.Context) string {
	return observability.RequestIDFromRequest(c.Request)
}

func userIDFromContext(c *gin.Context) *string {
	userID := c.GetString("userID")
	if userID == "" {
		return nil
	}
	return &userID
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
