package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type realtimePayload struct {
	NoteIDs    []string        `json:"noteIds"`
	ServerTime notes.Timestamp `json:"serverTime"`
	Source     string          `json:"source"`
}

type heartbeatPayload struct {
	ServerTime notes.Timestamp `json:"serverTime"`
}

// handleNotesStream keeps a server-sent event stream open until the client disconnects.
func (h *httpHandler) handleNotesStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	interval := h.heartbeat
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	h.writeHeartbeat(c)

	h.logger.Debug("realtime stream opened", zap.String("remote_addr", c.ClientIP()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("realtime stream closed", zap.String("remote_addr", c.ClientIP()))
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, realtimePayload{
				NoteIDs:    message.NoteIDs,
				ServerTime: notes.NewTimestamp(message.Timestamp),
				Source:     realtimeSourceBackend,
			})
			c.Writer.Flush()
		case <-ticker.C:
			h.writeHeartbeat(c)
		}
	}
}

func (h *httpHandler) writeHeartbeat(c *gin.Context) {
	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{ServerTime: notes.NewTimestamp(h.now())})
	c.Writer.Flush()
}
