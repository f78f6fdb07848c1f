// Package reducer applies parsed frames to the timeline through a per-kind
// handler table.
package reducer

import (
	"log/slog"

	"github.com/multi-agent/answer-stream/internal/frame"
	"github.com/multi-agent/answer-stream/internal/metrics"
	"github.com/multi-agent/answer-stream/internal/timeline"
	"github.com/multi-agent/answer-stream/pkg/logger"
)

// Effect tells the session controller what a frame caused.
type Effect struct {
	Changed      bool   // 时间线有修改
	TurnID       string // 处理后的 turn id (session_info 可能改名)
	CloseSession bool
	Notify       bool   // complete.notify
	Promote      string // 首次拿到的 conversation id
	ServerError  string // error 帧消息
}

func (e *Effect) merge(o Effect) {
	e.Changed = e.Changed || o.Changed
	e.CloseSession = e.CloseSession || o.CloseSession
	e.Notify = e.Notify || o.Notify
	if o.TurnID != "" {
		e.TurnID = o.TurnID
	}
	if o.Promote != "" {
		e.Promote = o.Promote
	}
	if o.ServerError != "" {
		e.ServerError = o.ServerError
	}
}

// Options 配置。
type Options struct {
	CoalesceThreshold int
	Logger            *slog.Logger
}

// Reducer is the only writer of its Store. Not safe for concurrent use; the
// session controller serializes calls.
type Reducer struct {
	store     *timeline.Store
	coalescer *Coalescer
	log       *slog.Logger
}

// New 创建 reducer。
func New(store *timeline.Store, opts Options) *Reducer {
	log := opts.Logger
	if log == nil {
		log = logger.With(logger.FieldComponent, "reducer")
	}
	return &Reducer{
		store:     store,
		coalescer: NewCoalescer(opts.CoalesceThreshold),
		log:       log,
	}
}

// Store 返回底层时间线。
func (r *Reducer) Store() *timeline.Store { return r.store }

// Apply processes one frame. target is the session's turn, used when the
// payload carries no message_id and as the turn that session_info names.
// Pending coalesced text of the addressed turn is applied before any
// non-chunk frame so ordering across kinds is preserved.
func (r *Reducer) Apply(target string, f frame.Frame) Effect {
	turnID := resolveTurn(target, f)
	eff := Effect{TurnID: turnID}

	if !f.Kind.IsChunk() {
		eff.merge(r.applyFlushes(r.coalescer.Drain(turnID)))
	}

	h, ok := handlers[f.Kind]
	if !ok {
		r.log.Debug("reducer: unhandled frame kind",
			logger.FieldFrameKind, f.Name,
			logger.FieldTurnID, turnID)
		return eff
	}
	eff.merge(h(r, turnID, f))
	return eff
}

// Finish releases every pending coalesced buffer, at stream end.
func (r *Reducer) Finish() Effect {
	return r.applyFlushes(r.coalescer.DrainAll())
}

// Discard drops pending text of a turn (cancel / retry).
func (r *Reducer) Discard(turnID string) { r.coalescer.Discard(turnID) }

func resolveTurn(target string, f frame.Frame) string {
	if f.Kind == frame.KindSessionInfo && target != "" {
		return target
	}
	if id := f.TurnID(); id != "" {
		return id
	}
	return target
}

func (r *Reducer) applyFlushes(flushes []Flush) Effect {
	var eff Effect
	for _, fl := range flushes {
		if fl.Key.Canvas {
			eff.merge(r.appendCanvas(fl.Key.TurnID, fl.Key.Version, fl.Text))
		} else {
			eff.merge(r.appendResponse(fl.Key.TurnID, fl.Text))
		}
	}
	return eff
}

// ========================================
// 写辅助
// ========================================

// update patches an existing turn. Unknown turns are recovered as no-ops.
// fn returns false when nothing changed.
func (r *Reducer) update(turnID string, kind frame.Kind, fn func(*timeline.Turn) bool) Effect {
	changed := false
	err := r.store.UpdateTurn(turnID, func(t *timeline.Turn) {
		changed = fn(t)
	})
	if err != nil {
		r.unknownTurn(turnID, kind, err)
		return Effect{}
	}
	return Effect{Changed: changed, TurnID: turnID}
}

// updateOpen is update for text appends: terminal turns drop the frame.
func (r *Reducer) updateOpen(turnID string, kind frame.Kind, fn func(*timeline.Turn) bool) Effect {
	return r.update(turnID, kind, func(t *timeline.Turn) bool {
		if !t.Open() {
			metrics.ObserveDrop(metrics.DropTerminal)
			r.log.Debug("reducer: append to closed turn dropped",
				logger.FieldTurnID, turnID,
				logger.FieldFrameKind, kind.String(),
				logger.FieldStatus, string(t.Status))
			return false
		}
		markStreaming(t)
		fn(t)
		return true
	})
}

func (r *Reducer) unknownTurn(turnID string, kind frame.Kind, err error) {
	metrics.ObserveDrop(metrics.DropUnknownTurn)
	r.log.Warn("reducer: frame for unknown turn ignored",
		logger.FieldTurnID, turnID,
		logger.FieldFrameKind, kind.String(),
		logger.FieldError, err)
}

func markStreaming(t *timeline.Turn) {
	if t.Status == timeline.StatusCreated || t.Status == "" {
		t.Status = timeline.StatusStreaming
	}
}

func (r *Reducer) appendResponse(turnID, text string) Effect {
	return r.updateOpen(turnID, frame.KindResponseChunk, func(t *timeline.Turn) bool {
		t.Response.Content += text
		return true
	})
}

func (r *Reducer) appendCanvas(turnID string, version int, text string) Effect {
	turn, err := r.store.Turn(turnID)
	if err != nil {
		r.unknownTurn(turnID, frame.KindCanvasResponseChunk, err)
		return Effect{}
	}
	if !turn.Open() {
		metrics.ObserveDrop(metrics.DropTerminal)
		return Effect{}
	}
	changed, err := r.store.SetCanvasVersion(turnID, version, text, timeline.CanvasAppend)
	if err != nil {
		r.unknownTurn(turnID, frame.KindCanvasResponseChunk, err)
		return Effect{}
	}
	if turn.Status == timeline.StatusCreated {
		r.update(turnID, frame.KindCanvasResponseChunk, func(t *timeline.Turn) bool {
			markStreaming(t)
			return true
		})
	}
	return Effect{Changed: changed, TurnID: turnID}
}
