// retry.go — 重新生成: 计算前序 turn 链接, 清空临时字段后重新打开会话。
package session

import (
	"context"
	"strings"

	"github.com/multi-agent/answer-stream/internal/timeline"
	"github.com/multi-agent/answer-stream/pkg/util"
)

// PreviousTurn returns the id of the turn immediately before turnID in the
// timeline, which is not necessarily the last turn.
func (c *Controller) PreviousTurn(turnID string) (string, error) {
	return c.store.Previous(turnID)
}

// Retry regenerates turnID. Its transient fields are cleared, progress is
// reset and the new agent mode recorded before a fresh session opens. An
// empty query keeps the original one.
func (c *Controller) Retry(ctx context.Context, turnID, query, agentMode string) error {
	var ev emission
	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		c.emit(ev)
	}()

	if c.closed {
		return errClosed("Controller.Retry")
	}
	prev, err := c.store.Previous(turnID)
	if err != nil {
		return err
	}
	stopped := c.supersedeLocked(&ev)

	current, err := c.store.Turn(turnID)
	if err != nil {
		return err
	}
	mode := util.FirstNonEmpty(agentMode, current.AgentMode, c.opts.AgentModeDefault)
	c.reducer.Discard(turnID)
	if _, err := c.store.ResetTurn(turnID, mode); err != nil {
		return err
	}
	query = strings.TrimSpace(query)
	var reset timeline.Turn
	err = c.store.UpdateTurn(turnID, func(t *timeline.Turn) {
		if query != "" {
			t.Query = query
		}
		t.PreviousTurnID = prev
		t.Processing = true
		reset = *t
	})
	if err != nil {
		return err
	}
	ev.changed = true

	req := Request{
		Query:             reset.Query,
		MessageID:         turnID,
		IsRetry:           true,
		PreviousMessageID: prev,
		AgentMode:         mode,
		RealtimeInfo:      c.opts.RealtimeInfo,
		Timezone:          c.opts.Timezone,
		Documents:         reset.Files,
		ConversationID:    c.store.ConversationID(),
	}
	c.openLocked(ctx, turnID, req, true, mode, stopped)
	return nil
}
