// session_log.go — 会话结果日志 (只记录会话元数据, 不含时间线内容)。
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/answer-stream/internal/session"
	apperrors "github.com/multi-agent/answer-stream/pkg/errors"
)

const sessionLogTable = "session_log"

// SessionLog session_log 表的一行。
type SessionLog struct {
	ID             int64     `db:"id" json:"id"`
	SessionID      string    `db:"session_id" json:"sessionId"`
	TurnID         string    `db:"turn_id" json:"turnId"`
	ConversationID string    `db:"conversation_id" json:"conversationId"`
	Outcome        string    `db:"outcome" json:"outcome"`
	AgentMode      string    `db:"agent_mode" json:"agentMode"`
	IsRetry        bool      `db:"is_retry" json:"isRetry"`
	Frames         int       `db:"frames" json:"frames"`
	Bytes          int64     `db:"bytes" json:"bytes"`
	StartedAt      time.Time `db:"started_at" json:"startedAt"`
	DurationMS     int64     `db:"duration_ms" json:"durationMs"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

const sessionLogCols = `id, session_id, turn_id, conversation_id, outcome, agent_mode,
	is_retry, frames, bytes, started_at, duration_ms, created_at`

// SessionLogStore 会话日志存储, 实现 session.Recorder。
type SessionLogStore struct{ BaseStore }

var _ session.Recorder = (*SessionLogStore)(nil)

// NewSessionLogStore 创建会话日志存储。
func NewSessionLogStore(pool *pgxpool.Pool) *SessionLogStore {
	return &SessionLogStore{NewBaseStore(pool)}
}

// RecordSession 写入一条会话结果。同一 session_id 重复写入时覆盖。
func (s *SessionLogStore) RecordSession(ctx context.Context, o session.Outcome) error {
	if o.SessionID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "SessionLogStore.RecordSession", "empty session id")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_log (session_id, turn_id, conversation_id, outcome, agent_mode,
			is_retry, frames, bytes, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			turn_id = EXCLUDED.turn_id,
			conversation_id = EXCLUDED.conversation_id,
			outcome = EXCLUDED.outcome,
			frames = EXCLUDED.frames,
			bytes = EXCLUDED.bytes,
			duration_ms = EXCLUDED.duration_ms`,
		o.SessionID, o.TurnID, o.ConversationID, o.Outcome, o.AgentMode,
		o.IsRetry, o.Frames, o.Bytes, o.StartedAt, o.Duration.Milliseconds())
	if err != nil {
		return apperrors.WithCode(err, "SessionLogStore.RecordSession", apperrors.CodeDB, "insert session log")
	}
	return nil
}

// SessionLogQuery List 过滤条件。
type SessionLogQuery struct {
	ConversationID string
	TurnID         string
	Outcome        string
	IsRetry        *bool
	Since          time.Time
	Keyword        string // 匹配 session/turn/conversation id
	Limit          int
}

// listSQL 构造 List 查询 (便于无库测试)。
func (p SessionLogQuery) listSQL() (string, []any) {
	q := NewQueryBuilder().
		Eq("conversation_id", p.ConversationID).
		Eq("turn_id", p.TurnID).
		Eq("outcome", p.Outcome).
		EqBool("is_retry", p.IsRetry).
		Since("started_at", p.Since).
		KeywordLike(p.Keyword, "session_id", "turn_id", "conversation_id")
	return q.Build("SELECT "+sessionLogCols+" FROM "+sessionLogTable, "started_at DESC, id DESC", p.Limit)
}

// List 按条件查询会话日志, 最新在前。
func (s *SessionLogStore) List(ctx context.Context, p SessionLogQuery) ([]SessionLog, error) {
	sql, params := p.listSQL()
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, apperrors.WithCode(err, "SessionLogStore.List", apperrors.CodeDB, "query session log")
	}
	return collectRows[SessionLog](rows)
}

// Get 按 session_id 查询, 不存在返回 ErrNotFound。
func (s *SessionLogStore) Get(ctx context.Context, sessionID string) (*SessionLog, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+sessionLogCols+" FROM "+sessionLogTable+" WHERE session_id = $1", sessionID)
	if err != nil {
		return nil, apperrors.WithCode(err, "SessionLogStore.Get", apperrors.CodeDB, "query session log")
	}
	row, err := collectOne[SessionLog](rows)
	if err != nil {
		return nil, apperrors.WithCode(err, "SessionLogStore.Get", apperrors.CodeDB, "scan session log")
	}
	if row == nil {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "SessionLogStore.Get", "session %s", sessionID)
	}
	return row, nil
}

// Outcomes 返回出现过的结果值 (筛选用)。
func (s *SessionLogStore) Outcomes(ctx context.Context) ([]string, error) {
	return DistinctValues(ctx, s.pool, sessionLogTable, "outcome")
}

// Cleanup 删除超过 retentionDays 天的记录，返回删除行数。
func (s *SessionLogStore) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM session_log WHERE started_at < NOW() - make_interval(days => $1)`,
		retentionDays)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
