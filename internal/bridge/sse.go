// sse.go — SSE 推送 handler。
package bridge

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/answer-stream/internal/metrics"
	"github.com/multi-agent/answer-stream/pkg/logger"
)

const transportSSE = "sse"

// sseHandler 订阅事件总线并以 SSE 推送; 空闲时发送 ping 保活。
func (s *Server) sseHandler(c *gin.Context) {
	clientID := fmt.Sprintf("sse-%d", s.nextID.Add(1))
	ch := s.hub.Subscribe(clientID)
	metrics.BridgeClients.WithLabelValues(transportSSE).Inc()
	defer func() {
		s.hub.Unsubscribe(clientID)
		metrics.BridgeClients.WithLabelValues(transportSSE).Dec()
		s.log.Info("bridge: SSE client disconnected", logger.FieldClient, clientID)
	}()

	s.log.Info("bridge: SSE client connected", logger.FieldClient, clientID, logger.FieldRemote, c.ClientIP())

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepalive := time.NewTimer(s.opts.Keepalive)
	defer keepalive.Stop()
	resetKeepalive := func() {
		if !keepalive.Stop() {
			select {
			case <-keepalive.C:
			default:
			}
		}
		keepalive.Reset(s.opts.Keepalive)
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case evt := <-ch:
			c.SSEvent(evt.Type, evt)
			resetKeepalive()
			return true
		case <-keepalive.C:
			c.SSEvent(EventPing, "keepalive")
			keepalive.Reset(s.opts.Keepalive)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
