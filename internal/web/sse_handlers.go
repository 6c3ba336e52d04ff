package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ebay-forwarder/internal/events"
)

const (
	sseBufferSize   = 64
	ssePingInterval = 30 * time.Second
)

// handleSSE处理Server-Sent Events连接，将事件总线上的事件推送给客户端
func (ws *WebServer) handleSSE(c *gin.Context) {
	if ws.deps.EventBus == nil {
		c.JSON(http.StatusServiceUnavailable, map[string]interface{}{"error": "Event stream is not available"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Writer.Flush()

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	filter := parseEventFilter(c.Query("events"))

	sub := events.NewChannelSubscriber(sseBufferSize)
	subName := "sse-" + uuid.New().String()
	ws.deps.EventBus.Subscribe(subName, sub)
	defer ws.deps.EventBus.Unsubscribe(subName)

	ws.logger.Debug("SSE客户端已连接", "client_id", clientID)

	ctx := c.Request.Context()
	if err := ws.sendSSEEvent(c, "connection", map[string]interface{}{
		"status":    "established",
		"client_id": clientID,
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
	}); err != nil {
		return
	}
	if filter["status"] {
		if err := ws.sendSSEEvent(c, "status", ws.statusData()); err != nil {
			return
		}
	}

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-sub.C:
			name := events.FrontendType(event.Type)
			if !filter[name] {
				continue
			}
			if err := ws.sendSSEEvent(c, name, map[string]interface{}{
				"type":      event.Type,
				"source":    event.Source,
				"timestamp": event.Timestamp,
				"data":      event.Data,
			}); err != nil {
				ws.logger.Debug("发送SSE事件失败", "client_id", clientID, "error", err)
				return
			}
		case <-ticker.C:
			if _, err := c.Writer.WriteString(": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ctx.Done():
			ws.logger.Debug("SSE客户端断开连接", "client_id", clientID)
			return
		}
	}
}

// parseEventFilter解析事件过滤器，为空时订阅全部
func parseEventFilter(eventsParam string) map[string]bool {
	all := []string{"request", "breaker", "status", "config", "message"}
	filter := make(map[string]bool, len(all))
	if eventsParam == "" {
		for _, name := range all {
			filter[name] = true
		}
		return filter
	}
	for _, name := range strings.Split(eventsParam, ",") {
		filter[strings.TrimSpace(name)] = true
	}
	return filter
}

// sendSSEEvent发送SSE事件并立即刷新
func (ws *WebServer) sendSSEEvent(c *gin.Context, eventType string, data interface{}) error {
	select {
	case <-c.Request.Context().Done():
		return c.Request.Context().Err()
	default:
	}
	c.SSEvent(eventType, data)
	c.Writer.Flush()
	return nil
}
