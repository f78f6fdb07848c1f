// ws.go — WebSocket 连接: 事件推送 + 命令接收。
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/answer-stream/internal/metrics"
	"github.com/multi-agent/answer-stream/pkg/logger"
	"github.com/multi-agent/answer-stream/pkg/util"
)

const (
	transportWS  = "websocket"
	writeTimeout = 10 * time.Second
)

// Reply WebSocket 命令的应答。
type Reply struct {
	Type  string `json:"type"` // "reply"
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// connEntry WebSocket 连接 + 发送队列 (gorilla/websocket 不支持并发写)。
type connEntry struct {
	ws        *websocket.Conn
	wrMu      sync.Mutex
	outbox    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newConnEntry(ws *websocket.Conn) *connEntry {
	return &connEntry{
		ws:      ws,
		outbox:  make(chan []byte, connOutboxSize),
		closeCh: make(chan struct{}),
	}
}

func (c *connEntry) writeMsg(data []byte) error {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// enqueue 非阻塞入队; 队列满或已关闭返回 false。
func (c *connEntry) enqueue(data []byte) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}
	select {
	case c.outbox <- data:
		return true
	default:
		return false
	}
}

func (c *connEntry) closeNow() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *connEntry) writeLoop() error {
	for {
		select {
		case <-c.closeCh:
			return nil
		case data := <-c.outbox:
			if err := c.writeMsg(data); err != nil {
				return err
			}
		}
	}
}

// checkOrigin 允许无 Origin (非浏览器客户端)、配置的来源以及本机来源。
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	norm := normalizeOrigin(origin)
	if s.origins[norm] {
		return true
	}
	for _, local := range []string{
		"http://localhost", "https://localhost",
		"http://127.0.0.1", "https://127.0.0.1",
		"http://[::1]", "https://[::1]",
	} {
		if norm == local || strings.HasPrefix(norm, local+":") {
			return true
		}
	}
	s.log.Warn("bridge: rejected origin", "origin", origin)
	return false
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}

func (s *Server) wsHandler(c *gin.Context) {
	s.mu.RLock()
	numConns := len(s.conns)
	s.mu.RUnlock()
	if numConns >= maxConnections {
		failure(c, http.StatusServiceUnavailable, "too_many_connections", "too many connections")
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("bridge: upgrade failed", logger.FieldError, err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	connID := fmt.Sprintf("ws-%d", s.nextID.Add(1))
	entry := newConnEntry(ws)
	s.mu.Lock()
	s.conns[connID] = entry
	s.mu.Unlock()
	metrics.BridgeClients.WithLabelValues(transportWS).Inc()

	events := s.hub.Subscribe(connID)
	util.SafeGo(func() {
		if err := entry.writeLoop(); err != nil {
			s.log.Warn("bridge: write loop failed", logger.FieldClient, connID, logger.FieldError, err)
			s.disconnect(connID)
		}
	})
	util.SafeGo(func() { s.pump(connID, entry, events) })

	s.log.Info("bridge: websocket client connected", logger.FieldClient, connID, logger.FieldRemote, c.ClientIP())

	defer func() {
		s.hub.Unsubscribe(connID)
		s.disconnect(connID)
		metrics.BridgeClients.WithLabelValues(transportWS).Dec()
		s.log.Info("bridge: websocket client disconnected", logger.FieldClient, connID)
	}()

	s.readLoop(c.Request.Context(), connID, entry)
}

// pump 把总线事件转发到连接的发送队列; 队列溢出时断开慢客户端。
func (s *Server) pump(connID string, entry *connEntry, events <-chan Event) {
	for {
		select {
		case <-entry.closeCh:
			return
		case evt := <-events:
			data, err := json.Marshal(evt)
			if err != nil {
				s.log.Error("bridge: marshal event failed", "event", evt.Type, logger.FieldError, err)
				continue
			}
			if !entry.enqueue(data) {
				s.log.Warn("bridge: client send queue overloaded, disconnecting", logger.FieldClient, connID)
				s.disconnect(connID)
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, connID string, entry *connEntry) {
	for {
		_, data, err := entry.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("bridge: read failed", logger.FieldClient, connID, logger.FieldError, err)
			}
			return
		}
		var cmd Command
		reply := Reply{Type: "reply"}
		if err := json.Unmarshal(data, &cmd); err != nil {
			reply.Error = "invalid json: " + err.Error()
		} else {
			reply.ID = cmd.ID
			result, err := s.dispatch(ctx, cmd)
			if err != nil {
				reply.Error = err.Error()
			} else {
				reply.OK, reply.Data = true, result
			}
		}
		out, _ := json.Marshal(reply)
		if !entry.enqueue(out) {
			return
		}
	}
}

func (s *Server) disconnect(connID string) {
	s.mu.Lock()
	entry, ok := s.conns[connID]
	if ok {
		delete(s.conns, connID)
	}
	s.mu.Unlock()
	if ok && entry != nil {
		entry.closeNow()
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	entries := s.conns
	s.conns = make(map[string]*connEntry)
	s.mu.Unlock()
	for _, e := range entries {
		e.closeNow()
	}
}
