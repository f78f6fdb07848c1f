// Package replay 提供脚本化的上游 SSE 服务, 用于本地联调和端到端测试。
//
// 路由:
//
//	POST /api/chat/stream   按脚本推送 SSE 帧
//	POST /api/chat/stop     终止指定 message_id 的推送
//	GET  /healthz           列出已加载脚本
package replay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/multi-agent/answer-stream/pkg/logger"
	"github.com/multi-agent/answer-stream/pkg/util"
)

// HeaderScript 请求头指定脚本名, 优先于 query 前缀。
const HeaderScript = "X-Replay-Script"

// QueryScriptPrefix query 以该前缀开头时, 其余部分作为脚本名, 如 "script:canvas"。
const QueryScriptPrefix = "script:"

// StreamRequest 上游收到的流请求 (与客户端请求体字段一致)。
type StreamRequest struct {
	Query             string   `json:"query"`
	MessageID         string   `json:"message_id,omitempty"`
	IsRetry           bool     `json:"is_retry,omitempty"`
	PreviousMessageID string   `json:"previous_message_id,omitempty"`
	AgentMode         string   `json:"agent_mode,omitempty"`
	RealtimeInfo      bool     `json:"realtime_info"`
	Timezone          string   `json:"timezone,omitempty"`
	Documents         []string `json:"documents,omitempty"`
	IsElaborate       bool     `json:"is_elaborate,omitempty"`
	IsExample         bool     `json:"is_example,omitempty"`
	ConversationID    string   `json:"conversation_id,omitempty"`
}

// StopRequest 停止生成请求。
type StopRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// Options 服务参数。
type Options struct {
	Library      Library
	FramesPerSec float64 // <=0 不限速
	Logger       *slog.Logger
}

// Server 回放服务。
type Server struct {
	router *gin.Engine
	lib    Library
	limit  rate.Limit
	log    *slog.Logger

	mu       sync.Mutex
	active   map[string]chan struct{} // message_id → stop 信号
	requests []StreamRequest
	stops    []StopRequest
}

// NewServer 创建回放服务。Library 为空时加载内置脚本。
func NewServer(opts Options) (*Server, error) {
	lib := opts.Library
	if lib == nil {
		var err error
		if lib, err = LoadLibrary(""); err != nil {
			return nil, err
		}
	}
	limit := rate.Inf
	if opts.FramesPerSec > 0 {
		limit = rate.Limit(opts.FramesPerSec)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	s := &Server{
		router: gin.New(),
		lib:    lib,
		limit:  limit,
		log:    log.With(logger.FieldComponent, "replay"),
		active: make(map[string]chan struct{}),
	}
	s.router.Use(gin.Recovery())
	s.registerRoutes()
	return s, nil
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// ListenAndServe 启动服务, ctx 结束后优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	return util.ListenAndServe(ctx, "replay", addr, s.router)
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api/chat")
	api.POST("/stream", s.streamHandler)
	api.POST("/stop", s.stopHandler)

	s.router.GET("/healthz", func(c *gin.Context) {
		success(c, gin.H{"scripts": s.lib.Names()})
	})
}

// Requests 返回已收到的流请求副本。
func (s *Server) Requests() []StreamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StreamRequest(nil), s.requests...)
}

// Stops 返回已收到的停止请求副本。
func (s *Server) Stops() []StopRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StopRequest(nil), s.stops...)
}

// Active 返回正在推送的流数量。
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// track 登记 message_id; 同 id 的旧流被顶替。
func (s *Server) track(req StreamRequest, messageID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if prev, ok := s.active[messageID]; ok {
		close(prev)
	}
	ch := make(chan struct{})
	s.active[messageID] = ch
	return ch
}

func (s *Server) untrack(messageID string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.active[messageID]; ok && cur == ch {
		delete(s.active, messageID)
	}
}

// stop 关闭 message_id 对应的流, 返回是否命中。
func (s *Server) stop(req StopRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, req)
	ch, ok := s.active[req.MessageID]
	if !ok {
		return false
	}
	close(ch)
	delete(s.active, req.MessageID)
	return true
}
