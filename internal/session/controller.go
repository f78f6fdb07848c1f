// Package session owns the lifecycle of streaming requests: at most one
// active Session, an inactivity watchdog, cancel and retry.
//
// Every timeline mutation (reducer work, start/cancel/retry, watchdog expiry)
// runs under Controller.mu. The read goroutine only blocks outside the lock,
// waiting for response headers or the next fragment.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multi-agent/answer-stream/internal/frame"
	"github.com/multi-agent/answer-stream/internal/metrics"
	"github.com/multi-agent/answer-stream/internal/reducer"
	"github.com/multi-agent/answer-stream/internal/timeline"
	apperrors "github.com/multi-agent/answer-stream/pkg/errors"
	"github.com/multi-agent/answer-stream/pkg/logger"
	"github.com/multi-agent/answer-stream/pkg/util"
)

const (
	defaultIdleTimeout = 10 * time.Second
	defaultStopTimeout = 5 * time.Second
	recordTimeout      = 5 * time.Second
	readBufferSize     = 4096
)

// Options configures a Controller.
type Options struct {
	Transport         Transport
	Store             *timeline.Store // nil 时新建
	IdleTimeout       time.Duration
	StopTimeout       time.Duration
	CoalesceThreshold int
	MinOverlap        int
	AgentModeDefault  string
	Timezone          string
	RealtimeInfo      bool
	Recorder          Recorder
	Logger            *slog.Logger
}

// StartOptions are the per-query request flags.
type StartOptions struct {
	Files       []timeline.FileRef
	AgentMode   string
	IsElaborate bool
	IsExample   bool
}

// Notice is one user-visible notification.
type Notice struct {
	TurnID  string `json:"turnId"`
	Class   Class  `json:"class,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Notify  bool   `json:"notify,omitempty"`
}

// emission 在锁内收集, 解锁后统一回调。
type emission struct {
	changed bool
	notices []Notice
	promote string
	closers []io.Closer
}

// Controller is the single writer of a timeline.
type Controller struct {
	mu        sync.Mutex
	opts      Options
	transport Transport
	store     *timeline.Store
	reducer   *reducer.Reducer
	active    *Session
	gen       uint64
	closed    bool // Close 之后拒绝新会话, wg 不再 Add
	wg        sync.WaitGroup
	log       *slog.Logger

	hooksMu   sync.RWMutex
	onChange  []func(timeline.Snapshot)
	onNotice  []func(Notice)
	onPromote []func(string)
}

// New 创建控制器。
func New(opts Options) *Controller {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.Store == nil {
		opts.Store = timeline.NewStore(opts.MinOverlap)
	}
	log := opts.Logger
	if log == nil {
		log = logger.With(logger.FieldComponent, "session")
	}
	return &Controller{
		opts:      opts,
		transport: opts.Transport,
		store:     opts.Store,
		reducer: reducer.New(opts.Store, reducer.Options{
			CoalesceThreshold: opts.CoalesceThreshold,
			Logger:            log.With(logger.FieldComponent, "reducer"),
		}),
		log: log,
	}
}

// ========================================
// 订阅
// ========================================

// OnTimelineChange registers fn for every timeline change. fn runs outside
// the controller lock; snapshots carry a Revision for ordering.
func (c *Controller) OnTimelineChange(fn func(timeline.Snapshot)) {
	c.hooksMu.Lock()
	c.onChange = append(c.onChange, fn)
	c.hooksMu.Unlock()
}

// OnNotice registers fn for user-visible notifications.
func (c *Controller) OnNotice(fn func(Notice)) {
	c.hooksMu.Lock()
	c.onNotice = append(c.onNotice, fn)
	c.hooksMu.Unlock()
}

// OnPromote registers fn, called once when the conversation id is first
// assigned by the server.
func (c *Controller) OnPromote(fn func(conversationID string)) {
	c.hooksMu.Lock()
	c.onPromote = append(c.onPromote, fn)
	c.hooksMu.Unlock()
}

func (c *Controller) emit(ev emission) {
	for _, cl := range ev.closers {
		_ = cl.Close()
	}
	c.hooksMu.RLock()
	onChange := append([]func(timeline.Snapshot){}, c.onChange...)
	onNotice := append([]func(Notice){}, c.onNotice...)
	onPromote := append([]func(string){}, c.onPromote...)
	c.hooksMu.RUnlock()

	if ev.changed {
		snap := c.store.Snapshot()
		for _, fn := range onChange {
			fn(snap)
		}
	}
	if ev.promote != "" {
		for _, fn := range onPromote {
			fn(ev.promote)
		}
	}
	for _, n := range ev.notices {
		for _, fn := range onNotice {
			fn(n)
		}
	}
}

// ========================================
// 读
// ========================================

// Snapshot returns the current timeline view.
func (c *Controller) Snapshot() timeline.Snapshot { return c.store.Snapshot() }

// Store 返回底层时间线 (只读使用)。
func (c *Controller) Store() *timeline.Store { return c.store }

// Active returns the open session, if any.
func (c *Controller) Active() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Info{}, false
	}
	return c.active.info(), true
}

// ========================================
// 入口: Start / Cancel / Load / Close
// ========================================

// Start appends an optimistic turn for query and opens a stream for it.
// Any open session is cancelled first. It returns the optimistic turn id;
// the server may rename it through session_info.
func (c *Controller) Start(ctx context.Context, query string, opts StartOptions) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" && len(opts.Files) == 0 {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, "Controller.Start", "empty query")
	}
	mode := util.FirstNonEmpty(opts.AgentMode, c.opts.AgentModeDefault)

	var ev emission
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errClosed("Controller.Start")
	}
	stopped := c.supersedeLocked(&ev)

	prev, _ := c.store.Last()
	turnID := uuid.NewString()
	err := c.store.AppendTurn(timeline.Turn{
		ID:             turnID,
		Query:          query,
		Files:          opts.Files,
		AgentMode:      mode,
		Status:         timeline.StatusCreated,
		Processing:     true,
		PreviousTurnID: prev,
	})
	if err != nil {
		c.mu.Unlock()
		c.emit(ev)
		return "", err
	}
	req := Request{
		Query:             query,
		PreviousMessageID: prev,
		AgentMode:         mode,
		RealtimeInfo:      c.opts.RealtimeInfo,
		Timezone:          c.opts.Timezone,
		Documents:         opts.Files,
		IsElaborate:       opts.IsElaborate,
		IsExample:         opts.IsExample,
		ConversationID:    c.store.ConversationID(),
	}
	c.openLocked(ctx, turnID, req, false, mode, stopped)
	ev.changed = true
	c.mu.Unlock()

	c.emit(ev)
	return turnID, nil
}

// Cancel aborts the open session, marks its turn cancelled and sends a
// best-effort stop call.
func (c *Controller) Cancel() error {
	var ev emission
	c.mu.Lock()
	s := c.active
	if s == nil {
		c.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrClosed, "Controller.Cancel", "no active session")
	}
	c.cancelLocked(s, &ev)
	c.mu.Unlock()
	c.emit(ev)
	return nil
}

// Load replaces the whole timeline, e.g. when another conversation is
// opened. Any open session is cancelled first.
func (c *Controller) Load(conversationID string, turns []timeline.Turn) error {
	var ev emission
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed("Controller.Load")
	}
	c.supersedeLocked(&ev)
	err := c.store.Replace(conversationID, turns)
	if err == nil {
		ev.changed = true
	}
	c.mu.Unlock()
	c.emit(ev)
	return err
}

// Close cancels the open session and waits for background goroutines.
// Start, Retry and Load fail with ErrClosed afterwards.
func (c *Controller) Close() {
	var ev emission
	c.mu.Lock()
	c.closed = true
	c.supersedeLocked(&ev)
	c.mu.Unlock()
	c.emit(ev)
	c.wg.Wait()
}

// Wait blocks until the read goroutines, stop calls and outcome records
// have finished. It must not race Start, Retry, Load or Cancel; callers use
// it once no session is active, or after Close.
func (c *Controller) Wait() { c.wg.Wait() }

func errClosed(op string) error {
	return apperrors.Wrap(apperrors.ErrClosed, op, "controller closed")
}

// ========================================
// 会话内部
// ========================================

// supersedeLocked cancels the open session. The returned channel closes
// once its stop-generation call has finished; nil when nothing was open.
func (c *Controller) supersedeLocked(ev *emission) <-chan struct{} {
	if c.active == nil {
		return nil
	}
	c.log.Info("session: superseded",
		logger.FieldSessionID, c.active.id,
		logger.FieldTurnID, c.active.target)
	return c.cancelLocked(c.active, ev)
}

// openLocked starts a session for target. When after is non-nil the
// request is only sent once after closes, so a stop for the superseded
// session can never reach the server after the new request.
func (c *Controller) openLocked(ctx context.Context, target string, req Request, isRetry bool, mode string, after <-chan struct{}) *Session {
	c.gen++
	s := newSession(c.gen, target, c.opts.IdleTimeout)
	s.isRetry = isRetry
	s.mode = mode

	sctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.arm(func() { c.onTimeout(s) })
	c.active = s
	metrics.ActiveSessions.Inc()

	c.log.Info("session: opened",
		logger.FieldSessionID, s.id,
		logger.FieldTurnID, target,
		logger.FieldAgentMode, mode,
		"is_retry", isRetry)

	c.wg.Add(1)
	util.SafeGo(func() {
		defer c.wg.Done()
		if after != nil {
			select {
			case <-after:
			case <-sctx.Done():
				return
			}
		}
		c.run(sctx, s, req)
	})
	return s
}

func (c *Controller) liveLocked(s *Session) bool {
	return c.active == s && s.gen == c.gen && s.state == StateOpen
}

// run is the read goroutine. It never touches the timeline directly.
func (c *Controller) run(ctx context.Context, s *Session, req Request) {
	body, err := c.transport.Open(ctx, req)
	if err != nil {
		c.fail(s, err)
		return
	}

	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		_ = body.Close()
		return
	}
	s.body = body
	c.mu.Unlock()
	defer body.Close()

	p := frame.NewParser()
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 && !c.onFragment(s, p, buf[:n]) {
			return
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			c.onEnd(s, p)
		} else {
			c.fail(s, rerr)
		}
		return
	}
}

// onFragment applies every frame completed by chunk. It reports whether
// the session is still open.
func (c *Controller) onFragment(s *Session, p *frame.Parser, chunk []byte) bool {
	var ev emission
	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		metrics.ObserveDrop(metrics.DropStale)
		return false
	}
	s.touch(len(chunk))
	for _, f := range p.Feed(chunk) {
		c.applyLocked(s, f, &ev)
		if s.state != StateOpen {
			break
		}
	}
	alive := s.state == StateOpen
	c.mu.Unlock()
	c.emit(ev)
	return alive
}

func (c *Controller) applyLocked(s *Session, f frame.Frame, ev *emission) {
	s.frames++
	eff := c.reducer.Apply(s.target, f)
	if f.Kind == frame.KindSessionInfo && eff.TurnID != "" && eff.TurnID != s.target {
		c.log.Debug("session: turn id assigned",
			logger.FieldSessionID, s.id,
			logger.FieldTurnID, eff.TurnID,
			"local_turn_id", s.target)
		s.target = eff.TurnID
	}
	if eff.Changed {
		ev.changed = true
	}
	if eff.Promote != "" {
		ev.promote = eff.Promote
	}

	switch {
	case eff.ServerError != "":
		ev.notices = append(ev.notices, Notice{
			TurnID:  util.FirstNonEmpty(eff.TurnID, s.target),
			Class:   ClassServerError,
			Message: ClassServerError.Message(),
			Detail:  eff.ServerError,
		})
		c.finalizeLocked(s, string(ClassServerError), apperrors.ErrClosed, nil, ev)
	case eff.CloseSession:
		if eff.Notify {
			ev.notices = append(ev.notices, Notice{
				TurnID:  s.target,
				Message: "Your answer is ready.",
				Notify:  true,
			})
		}
		c.finalizeLocked(s, "completed", apperrors.ErrClosed, nil, ev)
	}
}

// onEnd handles a graceful end of stream without a terminal frame.
func (c *Controller) onEnd(s *Session, p *frame.Parser) {
	var ev emission
	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		return
	}
	for _, f := range p.Flush() {
		c.applyLocked(s, f, &ev)
		if s.state != StateOpen {
			break
		}
	}
	if s.state == StateOpen {
		outcome := "eof"
		if t, err := c.store.Turn(s.target); err == nil && t.Status == timeline.StatusCompleted {
			outcome = "completed"
		}
		c.finalizeLocked(s, outcome, apperrors.ErrClosed, nil, &ev)
	}
	c.mu.Unlock()
	c.emit(ev)
}

// fail handles a transport failure.
func (c *Controller) fail(s *Session, err error) {
	var ev emission
	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		return
	}
	c.failLocked(s, Classify(err), err, &ev)
	c.mu.Unlock()
	c.emit(ev)
}

// onTimeout is the watchdog callback. It fires at most once per session.
func (c *Controller) onTimeout(s *Session) {
	var ev emission
	c.mu.Lock()
	if !c.liveLocked(s) || s.fired || !s.expired(time.Now()) {
		c.mu.Unlock()
		return
	}
	s.fired = true
	metrics.WatchdogFires.Inc()
	c.log.Warn("session: watchdog fired",
		logger.FieldSessionID, s.id,
		logger.FieldTurnID, s.target,
		logger.FieldIdleMS, s.idle.Milliseconds())
	c.failLocked(s, ClassTimeout, apperrors.ErrTimeout, &ev)
	c.mu.Unlock()
	c.emit(ev)
}

func (c *Controller) failLocked(s *Session, class Class, err error, ev *emission) {
	turn, lookupErr := c.store.Turn(s.target)
	settled := lookupErr == nil && turn.Status.Terminal()

	c.log.Warn("session: failed",
		logger.FieldSessionID, s.id,
		logger.FieldTurnID, s.target,
		logger.FieldErrorClass, string(class),
		logger.FieldError, err)

	if class.MarksError() && !settled {
		ev.notices = append(ev.notices, Notice{
			TurnID:  s.target,
			Class:   class,
			Message: class.Message(),
			Detail:  errText(err),
		})
	}
	cause := error(&StreamError{Class: class, Err: err})
	c.finalizeLocked(s, string(class), cause, func(t *timeline.Turn) {
		if !class.MarksError() || t.Status.Terminal() {
			return
		}
		t.Error = true
		t.ErrorClass = string(class)
		t.Status = timeline.StatusErrored
	}, ev)
}

func (c *Controller) cancelLocked(s *Session, ev *emission) <-chan struct{} {
	turnID := s.target
	conversationID := c.store.ConversationID()
	c.finalizeLocked(s, string(ClassCancelled), apperrors.ErrCancelled, func(t *timeline.Turn) {
		if t.Status.Terminal() {
			return
		}
		t.Cancelled = true
		t.Status = timeline.StatusCancelled
	}, ev)
	return c.stopAsync(conversationID, turnID)
}

// finalizeLocked closes s: pending text is applied, the turn is marked and
// its processing flag cleared, then the read is aborted.
func (c *Controller) finalizeLocked(s *Session, outcome string, cause error, mark func(*timeline.Turn), ev *emission) {
	if s.state != StateOpen {
		return
	}
	s.state = StateClosing
	s.stopWatchdog()

	if eff := c.reducer.Finish(); eff.Changed {
		ev.changed = true
	}
	if err := c.store.UpdateTurn(s.target, func(t *timeline.Turn) {
		if mark != nil {
			mark(t)
		}
		t.Processing = false
	}); err == nil {
		ev.changed = true
	}

	s.cancel(cause)
	if s.body != nil {
		ev.closers = append(ev.closers, s.body)
		s.body = nil
	}
	s.state = StateClosed
	if c.active == s {
		c.active = nil
	}

	elapsed := time.Since(s.startedAt)
	metrics.ActiveSessions.Dec()
	metrics.ObserveSession(outcome, elapsed)
	c.log.Info("session: closed",
		logger.FieldSessionID, s.id,
		logger.FieldTurnID, s.target,
		logger.FieldState, outcome,
		logger.FieldCount, s.frames,
		logger.FieldDurationMS, elapsed.Milliseconds())

	c.recordAsync(Outcome{
		SessionID:      s.id,
		TurnID:         s.target,
		ConversationID: c.store.ConversationID(),
		Outcome:        outcome,
		AgentMode:      s.mode,
		IsRetry:        s.isRetry,
		Frames:         s.frames,
		Bytes:          s.bytes,
		StartedAt:      s.startedAt,
		Duration:       elapsed,
	})
}

// stopAsync sends a best-effort stop call bounded by StopTimeout. The
// returned channel closes when the call has finished.
func (c *Controller) stopAsync(conversationID, turnID string) <-chan struct{} {
	done := make(chan struct{})
	if c.transport == nil {
		close(done)
		return done
	}
	c.wg.Add(1)
	util.SafeGo(func() {
		defer c.wg.Done()
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
		defer cancel()
		err := c.transport.Stop(ctx, StopRequest{ConversationID: conversationID, MessageID: turnID})
		if err != nil {
			c.log.Warn("session: stop generation failed",
				logger.FieldTurnID, turnID,
				logger.FieldConversationID, conversationID,
				logger.FieldError, err)
		}
	})
	return done
}

func (c *Controller) recordAsync(o Outcome) {
	if c.opts.Recorder == nil {
		return
	}
	c.wg.Add(1)
	util.SafeGo(func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := c.opts.Recorder.RecordSession(ctx, o); err != nil {
			c.log.Warn("session: record outcome failed",
				logger.FieldSessionID, o.SessionID,
				logger.FieldError, err)
		}
	})
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
