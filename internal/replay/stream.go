// stream.go — 流推送与停止 handler。
package replay

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/multi-agent/answer-stream/pkg/logger"
)

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

// pick 选择脚本: 请求头 > query 前缀 > 默认。
func (s *Server) pick(c *gin.Context, query string) (*Script, string) {
	name := c.GetHeader(HeaderScript)
	if name == "" {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(query), QueryScriptPrefix); ok {
			name, _, _ = strings.Cut(strings.TrimSpace(rest), " ")
		}
	}
	if name == "" {
		name = DefaultScript
	}
	return s.lib[name], name
}

func (s *Server) streamHandler(c *gin.Context) {
	var req StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	script, name := s.pick(c, req.Query)
	if script == nil {
		fail(c, http.StatusNotFound, "not_found", "unknown script "+name)
		return
	}
	if script.Status > 0 {
		fail(c, script.Status, "scripted", "scripted failure")
		return
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	stop := s.track(req, messageID)
	defer s.untrack(messageID, stop)

	log := s.log.With(logger.FieldTurnID, messageID, "script", name)
	log.Info("replay: stream start", logger.FieldCount, script.Frames(), "retry", req.IsRetry)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	limiter := rate.NewLimiter(s.limit, 1)
	sent, i := 0, 0
	c.Stream(func(w io.Writer) bool {
		for i < len(script.Steps) {
			step := script.Steps[i]
			i++
			if step.Sleep > 0 {
				if !pause(ctx, stop, step.Sleep) {
					return false
				}
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return false
			}
			select {
			case <-stop:
				return false
			default:
			}
			if _, err := io.WriteString(w, render(step.Frame, messageID, conversationID)+"\n\n"); err != nil {
				log.Debug("replay: write failed", logger.FieldError, err)
				return false
			}
			sent++
			return true
		}
		return false
	})

	log.Info("replay: stream end", logger.FieldCount, sent, "stopped", isClosed(stop))
}

func (s *Server) stopHandler(c *gin.Context) {
	var req StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	hit := s.stop(req)
	s.log.Info("replay: stop", logger.FieldTurnID, req.MessageID,
		logger.FieldConversationID, req.ConversationID, "hit", hit)
	success(c, gin.H{"stopped": hit})
}

// pause 等待 d; ctx 结束或收到 stop 时返回 false。
func pause(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
