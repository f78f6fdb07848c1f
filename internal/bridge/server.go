// Package bridge 把时间线暴露给渲染端: REST 入口 (ask / stop / retry / load),
// SSE 与 WebSocket 推送快照和通知, 以及 /metrics。
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/multi-agent/answer-stream/internal/session"
	"github.com/multi-agent/answer-stream/internal/store"
	"github.com/multi-agent/answer-stream/internal/timeline"
	"github.com/multi-agent/answer-stream/pkg/logger"
	"github.com/multi-agent/answer-stream/pkg/util"
)

const (
	defaultKeepalive = 30 * time.Second
	maxConnections   = 64
	maxMessageSize   = 1 << 20
	connOutboxSize   = 64
	wsPath           = "/ws"
)

// Engine 渲染桥依赖的控制器能力 (*session.Controller 实现)。
type Engine interface {
	Start(ctx context.Context, query string, opts session.StartOptions) (string, error)
	Cancel() error
	Retry(ctx context.Context, turnID, query, agentMode string) error
	Load(conversationID string, turns []timeline.Turn) error
	Snapshot() timeline.Snapshot
	Active() (session.Info, bool)
	OnTimelineChange(fn func(timeline.Snapshot))
	OnNotice(fn func(session.Notice))
	OnPromote(fn func(conversationID string))
}

// SessionLog 会话日志查询 (可选)。
type SessionLog interface {
	List(ctx context.Context, q store.SessionLogQuery) ([]store.SessionLog, error)
}

// Options 渲染桥参数。
type Options struct {
	AllowedOrigins []string
	Keepalive      time.Duration
	SessionLog     SessionLog
	Logger         *slog.Logger
}

// Server 渲染桥 HTTP 服务。
type Server struct {
	router   *gin.Engine
	engine   Engine
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
	log      *slog.Logger
	origins  map[string]bool

	mu     sync.RWMutex
	conns  map[string]*connEntry
	nextID atomic.Uint64
}

// NewServer 创建渲染桥, 并把控制器回调接到事件总线。
func NewServer(engine Engine, opts Options) *Server {
	if opts.Keepalive <= 0 {
		opts.Keepalive = defaultKeepalive
	}
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	s := &Server{
		router:  gin.New(),
		engine:  engine,
		hub:     NewHub(),
		opts:    opts,
		log:     log.With(logger.FieldComponent, "bridge"),
		origins: make(map[string]bool, len(opts.AllowedOrigins)),
		conns:   make(map[string]*connEntry),
	}
	for _, o := range opts.AllowedOrigins {
		s.origins[normalizeOrigin(o)] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	engine.OnTimelineChange(func(snap timeline.Snapshot) {
		if !s.hub.PublishSnapshot(snap) {
			s.log.Debug("bridge: stale snapshot dropped", "revision", snap.Revision)
		}
	})
	engine.OnNotice(func(n session.Notice) {
		s.hub.Publish(Event{Type: EventNotice, Data: n})
	})
	engine.OnPromote(func(conversationID string) {
		s.hub.Publish(Event{Type: EventPromote, Data: gin.H{"conversationId": conversationID}})
	})

	s.router.Use(gin.Recovery())
	if len(opts.AllowedOrigins) > 0 {
		allow := cors.New(cors.Config{
			AllowOrigins: opts.AllowedOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
			MaxAge:       12 * time.Hour,
		})
		// WebSocket 来源由 checkOrigin 校验
		s.router.Use(func(c *gin.Context) {
			if c.Request.URL.Path == wsPath {
				c.Next()
				return
			}
			allow(c)
		})
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Hub 返回事件总线。
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe 启动服务, ctx 结束后断开 WebSocket 并优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	util.SafeGo(func() {
		<-ctx.Done()
		s.closeAll()
	})
	return util.ListenAndServe(ctx, "bridge", addr, s.router)
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/timeline", s.getTimeline)
	api.GET("/session", s.getSession)
	api.POST("/ask", s.ask)
	api.POST("/stop", s.stop)
	api.POST("/retry", s.retry)
	api.POST("/conversation", s.loadConversation)
	api.GET("/sessions", s.listSessions)

	api.GET("/events", s.sseHandler)

	s.router.GET(wsPath, s.wsHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", func(c *gin.Context) {
		success(c, gin.H{"clients": s.hub.Subscribers()})
	})
}
