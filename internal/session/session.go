// session.go — 单次流式请求的生命周期对象 (状态机 + watchdog)。
package session

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one open streaming request. All fields are guarded by the
// controller mutex.
type Session struct {
	id      string
	gen     uint64
	target  string // 当前写入的 turn id
	isRetry bool
	mode    string

	state        State
	cancel       context.CancelCauseFunc
	body         io.Closer
	watchdog     *time.Timer
	idle         time.Duration
	fired        bool
	startedAt    time.Time
	lastActivity time.Time

	frames int
	bytes  int64
}

func newSession(gen uint64, target string, idle time.Duration) *Session {
	now := time.Now()
	return &Session{
		id:           uuid.NewString(),
		gen:          gen,
		target:       target,
		state:        StateIdle,
		idle:         idle,
		startedAt:    now,
		lastActivity: now,
	}
}

// arm 启动 watchdog; fire 在锁外被 time 包调用。
func (s *Session) arm(fire func()) {
	s.state = StateOpen
	s.watchdog = time.AfterFunc(s.idle, fire)
}

// touch resets the watchdog after a fragment.
func (s *Session) touch(n int) {
	s.lastActivity = time.Now()
	s.bytes += int64(n)
	if s.watchdog != nil {
		s.watchdog.Reset(s.idle)
	}
}

// expired reports whether the inactivity window really elapsed. A callback
// racing with touch sees a fresh lastActivity and must not fire.
func (s *Session) expired(now time.Time) bool {
	return now.Sub(s.lastActivity) >= s.idle
}

func (s *Session) stopWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
}

// Info is a read-only view of a session.
type Info struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	TurnID       string    `json:"turnId"`
	IsRetry      bool      `json:"isRetry,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Frames       int       `json:"frames"`
	Bytes        int64     `json:"bytes"`
}

func (s *Session) info() Info {
	return Info{
		ID:           s.id,
		State:        s.state.String(),
		TurnID:       s.target,
		IsRetry:      s.isRetry,
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivity,
		Frames:       s.frames,
		Bytes:        s.bytes,
	}
}
