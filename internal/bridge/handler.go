// handler.go — REST handler 与 REST / WebSocket 共用的命令分发。
package bridge

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/answer-stream/internal/session"
	"github.com/multi-agent/answer-stream/internal/store"
	"github.com/multi-agent/answer-stream/internal/timeline"
	apperrors "github.com/multi-agent/answer-stream/pkg/errors"
	"github.com/multi-agent/answer-stream/pkg/logger"
)

// 命令类型 (WebSocket 消息的 type 字段)。
const (
	CmdAsk   = "ask"
	CmdStop  = "stop"
	CmdRetry = "retry"
	CmdLoad  = "load"
)

// Command 渲染端发来的操作。
type Command struct {
	Type           string             `json:"type"`
	ID             string             `json:"id,omitempty"` // WebSocket 请求 id, 原样回带
	Query          string             `json:"query,omitempty"`
	Files          []timeline.FileRef `json:"files,omitempty"`
	AgentMode      string             `json:"agentMode,omitempty"`
	IsElaborate    bool               `json:"isElaborate,omitempty"`
	IsExample      bool               `json:"isExample,omitempty"`
	TurnID         string             `json:"turnId,omitempty"`
	ConversationID string             `json:"conversationId,omitempty"`
	Turns          []timeline.Turn    `json:"turns,omitempty"`
}

// dispatch 执行命令, REST 与 WebSocket 共用。
func (s *Server) dispatch(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Type {
	case CmdAsk:
		turnID, err := s.engine.Start(ctx, cmd.Query, session.StartOptions{
			Files:       cmd.Files,
			AgentMode:   cmd.AgentMode,
			IsElaborate: cmd.IsElaborate,
			IsExample:   cmd.IsExample,
		})
		if err != nil {
			return nil, err
		}
		return gin.H{"turnId": turnID}, nil
	case CmdStop:
		if err := s.engine.Cancel(); err != nil {
			return nil, err
		}
		return gin.H{"stopped": true}, nil
	case CmdRetry:
		if strings.TrimSpace(cmd.TurnID) == "" {
			return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "bridge.retry", "turnId is required")
		}
		if err := s.engine.Retry(ctx, cmd.TurnID, cmd.Query, cmd.AgentMode); err != nil {
			return nil, err
		}
		return gin.H{"turnId": cmd.TurnID}, nil
	case CmdLoad:
		if err := s.engine.Load(cmd.ConversationID, cmd.Turns); err != nil {
			return nil, err
		}
		return gin.H{"turns": len(cmd.Turns)}, nil
	}
	return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "bridge.dispatch", "unknown command %q", cmd.Type)
}

// ========================================
// 统一响应
// ========================================

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func failure(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

// errorStatus 错误 → HTTP 状态码与错误码。
func errorStatus(err error) (int, string) {
	switch {
	case apperrors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case apperrors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case apperrors.Is(err, apperrors.ErrClosed), apperrors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("bridge: request failed", logger.FieldPath, c.FullPath(), logger.FieldError, err)
		failure(c, status, code, "internal error")
		return
	}
	failure(c, status, code, err.Error())
}

// command 绑定请求体并分发。
func (s *Server) command(c *gin.Context, typ string) {
	var cmd Command
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&cmd); err != nil {
			failure(c, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	cmd.Type = typ
	data, err := s.dispatch(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, data)
}

func (s *Server) ask(c *gin.Context)              { s.command(c, CmdAsk) }
func (s *Server) stop(c *gin.Context)             { s.command(c, CmdStop) }
func (s *Server) retry(c *gin.Context)            { s.command(c, CmdRetry) }
func (s *Server) loadConversation(c *gin.Context) { s.command(c, CmdLoad) }

func (s *Server) getTimeline(c *gin.Context) {
	success(c, s.engine.Snapshot())
}

func (s *Server) getSession(c *gin.Context) {
	info, ok := s.engine.Active()
	if !ok {
		success(c, gin.H{"active": false})
		return
	}
	success(c, gin.H{"active": true, "session": info})
}

func (s *Server) listSessions(c *gin.Context) {
	if s.opts.SessionLog == nil {
		failure(c, http.StatusNotFound, "not_found", "session log disabled")
		return
	}
	q := store.SessionLogQuery{
		ConversationID: c.Query("conversationId"),
		TurnID:         c.Query("turnId"),
		Outcome:        c.Query("outcome"),
		Keyword:        c.Query("keyword"),
		Limit:          queryLimit(c, 100),
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			failure(c, http.StatusBadRequest, "bad_request", "since must be RFC3339")
			return
		}
		q.Since = t
	}
	rows, err := s.opts.SessionLog.List(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, rows)
}

func queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	return v
}
