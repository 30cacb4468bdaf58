package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventChange    = "change"
	streamEventHeartbeat = "heartbeat"
	heartbeatInterval    = 25 * time.Second
)

// handleEventStream serves the owner's live change feed as server-sent
// events. Heartbeats keep intermediaries from closing idle connections; a
// client that loses the stream reconnects and performs a full list resync.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	token := c.Query("access_token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ownerID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("stream token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), ownerID)
	defer cleanup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, "{}")
			c.Writer.Flush()
		case event, ok := <-stream:
			if !ok {
				return
			}
			encoded, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to encode stream event", zap.Error(err))
				continue
			}
			c.SSEvent(streamEventChange, string(encoded))
			c.Writer.Flush()
		}
	}
}
