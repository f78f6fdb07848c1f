// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"strings"
	"time"

	"github.com/multi-agent/answer-stream/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 运行环境
	AppEnv   string `env:"APP_ENV" default:"production"`
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"LOG_DIR"`

	// 上游流式接口
	UpstreamBaseURL         string `env:"UPSTREAM_BASE_URL" default:"http://127.0.0.1:8090"`
	UpstreamStreamPath      string `env:"UPSTREAM_STREAM_PATH" default:"/api/chat/stream"`
	UpstreamStopPath        string `env:"UPSTREAM_STOP_PATH" default:"/api/chat/stop"`
	StreamConnectTimeoutSec int    `env:"STREAM_CONNECT_TIMEOUT_SEC" default:"30" min:"1"`
	StopTimeoutSec          int    `env:"STREAM_STOP_TIMEOUT_SEC" default:"5" min:"1"`

	// 流处理
	StreamIdleTimeoutMS     int    `env:"STREAM_IDLE_TIMEOUT_MS" default:"10000" min:"100"`
	StreamCoalesceThreshold int    `env:"STREAM_COALESCE_THRESHOLD" default:"1" min:"1"`
	ResearchMinOverlap      int    `env:"RESEARCH_MIN_OVERLAP" default:"4" min:"1"`
	AgentModeDefault        string `env:"AGENT_MODE_DEFAULT" default:"auto"`
	Timezone                string `env:"TIMEZONE" default:"UTC"`
	RealtimeInfo            bool   `env:"REALTIME_INFO" default:"true"`

	// 渲染桥 (HTTP + SSE + WebSocket)
	BridgeAddr           string   `env:"BRIDGE_ADDR" default:"127.0.0.1:8080"`
	BridgeAllowedOrigins []string `env:"BRIDGE_ALLOWED_ORIGINS" default:"http://localhost:5173,http://127.0.0.1:5173"`
	BridgeKeepaliveSec   int      `env:"BRIDGE_KEEPALIVE_SEC" default:"30" min:"1"`

	// 回放上游 (开发 / 测试)
	ReplayAddr         string  `env:"REPLAY_ADDR" default:"127.0.0.1:8090"`
	ReplayScriptDir    string  `env:"REPLAY_SCRIPT_DIR"`
	ReplayFramesPerSec float64 `env:"REPLAY_FRAMES_PER_SEC" default:"20" min:"0"`

	// 会话日志 (可选, 仅记录会话元数据)
	SessionLogDSN          string `env:"SESSION_LOG_DSN"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"4" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`
	MigrationsDir          string `env:"MIGRATIONS_DIR" default:"./migrations"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// IdleTimeout 返回 watchdog 不活跃窗口。
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutMS) * time.Millisecond
}

// ConnectTimeout 返回等待响应头的上限。
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.StreamConnectTimeoutSec) * time.Second
}

// StopTimeout 返回 stop-generation 调用的上限。
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSec) * time.Second
}

// StreamURL 拼接上游流式接口地址。
func (c *Config) StreamURL() string { return joinURL(c.UpstreamBaseURL, c.UpstreamStreamPath) }

// StopURL 拼接上游停止生成接口地址。
func (c *Config) StopURL() string { return joinURL(c.UpstreamBaseURL, c.UpstreamStopPath) }

// SessionLogEnabled 是否启用 PostgreSQL 会话日志。
func (c *Config) SessionLogEnabled() bool { return strings.TrimSpace(c.SessionLogDSN) != "" }

// IsDevelopment 开发环境 (彩色日志)。
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(strings.TrimSpace(c.AppEnv))
	return env == "development" || env == "dev"
}

func joinURL(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	path = strings.TrimSpace(path)
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
