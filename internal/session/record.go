// record.go — 会话结果记录接口 (可选 PostgreSQL 实现见 internal/store)。
package session

import (
	"context"
	"time"
)

// Outcome describes one finished session. It carries metadata only, never
// timeline content.
type Outcome struct {
	SessionID      string
	TurnID         string
	ConversationID string
	Outcome        string // completed / eof / 失败分类
	AgentMode      string
	IsRetry        bool
	Frames         int
	Bytes          int64
	StartedAt      time.Time
	Duration       time.Duration
}

// Recorder persists session outcomes.
type Recorder interface {
	RecordSession(ctx context.Context, o Outcome) error
}
