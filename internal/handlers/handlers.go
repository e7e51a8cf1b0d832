package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/austin-smith/fusion-bridge-sub007/internal/fanout"
	"github.com/austin-smith/fusion-bridge-sub007/pkg/logging"
	"github.com/austin-smith/fusion-bridge-sub007/pkg/sse"
)

// Publisher is the outbound half of the backend adapter, used by the publish
// bridge.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Handlers contains the HTTP handlers for the service.
type Handlers struct {
	engine    *fanout.Engine
	publisher Publisher
	logger    logging.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHandlers creates a new handlers instance.
func NewHandlers(engine *fanout.Engine, publisher Publisher, logger logging.Logger) *Handlers {
	return &Handlers{
		engine:    engine,
		publisher: publisher,
		logger:    logger,
	}
}

// connectionParams resolves the registration parameters from the request.
// Authentication and organization membership are enforced upstream; the
// organization ID arrives pre-resolved.
func connectionParams(c *gin.Context, sink fanout.Sink) (fanout.ConnectionParams, bool) {
	orgID := c.Query("organizationId")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organizationId is required"})
		return fanout.ConnectionParams{}, false
	}

	return fanout.ConnectionParams{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Sink:           sink,
		Filter: fanout.Filter{
			Categories: splitParam(c.Query("eventCategories")),
			Types:      splitParam(c.Query("eventTypes")),
			AlarmOnly:  c.Query("alarmEventsOnly") == "true",
		},
		IncludeThumbnails: c.Query("includeThumbnails") == "true",
	}, true
}

func splitParam(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// HandleEventStream serves the long-lived SSE connection. The handler parks
// until the client disconnects or the engine tears the connection down.
func (h *Handlers) HandleEventStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	sink := newSSESink(c.Writer, flusher)
	params, ok := connectionParams(c, sink)
	if !ok {
		return
	}

	if h.engine.ShuttingDown() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	// Commit the response before registering: once AddConnection returns, the
	// broker's dispatch goroutine can reach the sink, and from that point the
	// response writer belongs to the sink alone.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	if err := h.engine.AddConnection(c.Request.Context(), params); err != nil {
		h.logger.WithError(err).WithField("org_id", params.OrganizationID).Error("Failed to register stream connection")
		if frame, ferr := sse.Frame(sse.EventError, gin.H{"error": "unable to establish event stream"}); ferr == nil {
			_ = sink.Push(frame)
		}
		return
	}

	frame, err := sse.Frame(sse.EventConnection, gin.H{
		"connectionId":   params.ID,
		"organizationId": params.OrganizationID,
	})
	if err == nil {
		err = sink.Push(frame)
	}
	if err != nil {
		_ = h.engine.RemoveConnection(context.Background(), params.ID)
		return
	}

	select {
	case <-c.Request.Context().Done():
		_ = h.engine.RemoveConnection(context.Background(), params.ID)
	case <-sink.Done():
		// Evicted by the engine; removal already happened.
	}
}

// HandleWebSocket serves the WebSocket variant of the event stream. The read
// pump discards client input and exists to detect the close.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	orgID := c.Query("organizationId")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organizationId is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	sink := newWSSink(conn)
	params, ok := connectionParams(c, sink)
	if !ok {
		_ = conn.Close()
		return
	}

	if err := h.engine.AddConnection(c.Request.Context(), params); err != nil {
		h.logger.WithError(err).WithField("org_id", orgID).Error("Failed to register websocket connection")
		_ = conn.Close()
		return
	}

	frame, err := sse.Frame(sse.EventConnection, gin.H{
		"connectionId":   params.ID,
		"organizationId": params.OrganizationID,
	})
	if err == nil {
		err = sink.Push(frame)
	}
	if err != nil {
		_ = h.engine.RemoveConnection(context.Background(), params.ID)
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	_ = h.engine.RemoveConnection(context.Background(), params.ID)
}

type publishRequest struct {
	OrganizationID    string          `json:"organizationId" binding:"required"`
	IncludeThumbnails bool            `json:"includeThumbnails"`
	Payload           json.RawMessage `json:"payload" binding:"required"`
}

// HandlePublish is the bridge internal producers use to put an event on the
// organization's channel.
func (h *Handlers) HandlePublish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organizationId and payload are required"})
		return
	}

	channel := fanout.ChannelFor(req.OrganizationID, req.IncludeThumbnails)
	if err := h.publisher.Publish(c.Request.Context(), channel, req.Payload); err != nil {
		h.logger.WithError(err).WithField("channel", channel).Error("Publish failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "publish failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"channel": channel})
}

// HandleStats exposes the engine's diagnostic counters and connection counts.
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats": h.engine.GetStats(),
		"connections": gin.H{
			"total":           h.engine.GetConnectionCount(),
			"by_organization": h.engine.ConnectionCountsByOrganization(),
		},
		"subscribed_channels": h.engine.SubscribedChannels(),
	})
}

// HandleResetStats zeroes the diagnostic counters.
func (h *Handlers) HandleResetStats(c *gin.Context) {
	h.engine.ResetStats()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// HandleConnectionCount returns the connection count, optionally scoped to
// one organization.
func (h *Handlers) HandleConnectionCount(c *gin.Context) {
	if orgID := c.Query("organizationId"); orgID != "" {
		c.JSON(http.StatusOK, gin.H{
			"organizationId": orgID,
			"count":          h.engine.GetConnectionCountByOrganization(orgID),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": h.engine.GetConnectionCount()})
}

// HandleNotFound provides a custom 404 handler.
func (h *Handlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "Endpoint not found",
	})
}
