// handlers.go — 每种帧一个处理函数, 通过注册表分发。
package reducer

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/samber/lo"

	"github.com/multi-agent/answer-stream/internal/frame"
	"github.com/multi-agent/answer-stream/internal/timeline"
	"github.com/multi-agent/answer-stream/pkg/logger"
	"github.com/multi-agent/answer-stream/pkg/util"
)

type handler func(r *Reducer, turnID string, f frame.Frame) Effect

// handlers is the dispatch table. Adding a frame kind is one entry here.
var handlers = map[frame.Kind]handler{
	frame.KindSessionInfo:         handleSessionInfo,
	frame.KindResponse:            handleResponse,
	frame.KindResponseChunk:       handleResponseChunk,
	frame.KindResearch:            handleResearch,
	frame.KindResearchChunk:       handleResearchChunk,
	frame.KindCanvasResponseChunk: handleCanvasChunk,
	frame.KindCanvasPreview:       handleCanvasPreview,
	frame.KindSources:             handleSources,
	frame.KindProgress:            handleProgress,
	frame.KindRelatedQueries:      handleRelatedQueries,
	frame.KindResponseTime:        handleResponseTime,
	frame.KindContext:             handleContext,
	frame.KindComplete:            handleComplete,
	frame.KindError:               handleError,
	frame.KindChart:               handleChart,
	frame.KindMap:                 handleMap,
	frame.KindPing:                handlePing,
}

// handleSessionInfo assigns or confirms the turn id. An optimistic target is
// renamed to the server id; without a target a new turn is appended.
func handleSessionInfo(r *Reducer, turnID string, f frame.Frame) Effect {
	p := f.Payload
	serverID := strings.TrimSpace(p.MessageID)
	eff := Effect{TurnID: turnID}
	_, targetKnown := r.store.Position(turnID)

	switch {
	case serverID == "":
		// 仅确认
	case turnID == "" || !targetKnown:
		if _, ok := r.store.Position(serverID); !ok {
			if err := r.store.AppendTurn(timeline.Turn{
				ID:         serverID,
				AgentMode:  p.AgentMode,
				Status:     timeline.StatusStreaming,
				Processing: true,
			}); err != nil {
				r.log.Warn("reducer: append turn failed", logger.FieldTurnID, serverID, logger.FieldError, err)
				return Effect{}
			}
			eff.Changed = true
		}
		eff.TurnID = serverID
	case turnID != serverID:
		if err := r.store.RenameTurn(turnID, serverID); err != nil {
			r.log.Warn("reducer: rename turn failed",
				logger.FieldTurnID, turnID,
				"server_turn_id", serverID,
				logger.FieldError, err)
			return eff
		}
		eff.Changed = true
		eff.TurnID = serverID
	}

	if p.AgentMode != "" && eff.TurnID != "" {
		eff.merge(r.update(eff.TurnID, f.Kind, func(t *timeline.Turn) bool {
			if t.AgentMode == p.AgentMode {
				return false
			}
			t.AgentMode = p.AgentMode
			return true
		}))
	}
	if r.store.SetConversationID(p.ConversationID) {
		eff.Changed = true
		eff.Promote = strings.TrimSpace(p.ConversationID)
	}
	return eff
}

// handleResponse sets the content when the new text extends the current
// one, otherwise appends. Content never shrinks.
func handleResponse(r *Reducer, turnID string, f frame.Frame) Effect {
	p := f.Payload
	text := p.Text()
	return r.updateOpen(turnID, f.Kind, func(t *timeline.Turn) bool {
		if p.ID != "" {
			t.Response.ID = p.ID
		}
		if p.Agent != "" {
			t.Response.Agent = p.Agent
		}
		if strings.HasPrefix(text, t.Response.Content) {
			t.Response.Content = text
		} else {
			t.Response.Content += text
		}
		return true
	})
}

func handleResponseChunk(r *Reducer, turnID string, f frame.Frame) Effect {
	text, ok := r.coalescer.Ingest(Key{TurnID: turnID}, f.Payload.Text())
	if !ok {
		return Effect{TurnID: turnID}
	}
	return r.appendResponse(turnID, text)
}

func handleResearch(r *Reducer, turnID string, f frame.Frame) Effect {
	p := f.Payload
	step := timeline.ResearchStep{
		ID:    researchStepID(p),
		Agent: p.Agent,
		Title: util.FirstNonEmpty(p.Title, p.Text()),
	}
	changed, err := r.store.AppendResearchStep(turnID, step)
	if err != nil {
		r.unknownTurn(turnID, f.Kind, err)
		return Effect{}
	}
	return Effect{Changed: changed, TurnID: turnID}
}

func handleResearchChunk(r *Reducer, turnID string, f frame.Frame) Effect {
	p := f.Payload
	text := p.Text()
	if text == "" {
		text = p.Title
	}
	changed, err := r.store.UpdateOrAppendResearchStep(turnID, researchStepID(p), p.Agent, text)
	if err != nil {
		r.unknownTurn(turnID, f.Kind, err)
		return Effect{}
	}
	return Effect{Changed: changed, TurnID: turnID}
}

// researchStepID 缺省 id 时按 agent 归并。
func researchStepID(p frame.Payload) string {
	return util.FirstNonEmpty(p.ID, p.Agent, "research")
}

func handleCanvasChunk(r *Reducer, turnID string, f frame.Frame) Effect {
	p := f.Payload
	version := r.canvasVersion(turnID, p.Version)
	eff := Effect{TurnID: turnID}
	if text, ok := r.coalescer.Ingest(Key{TurnID: turnID, Canvas: true, Version: version}, p.Text()); ok {
		eff.merge(r.appendCanvas(turnID, version, text))
	}
	if p.ID == "" && p.Title == "" {
		return eff
	}
	eff.merge(r.update(turnID, f.Kind, func(t *timeline.Turn) bool {
		if t.Canvas == nil {
			t.Canvas = &timeline.Canvas{}
		}
		changed := false
		if p.ID != "" && t.Canvas.ID != p.ID {
			t.Canvas.ID, changed = p.ID, true
		}
		if p.Title != "" && t.Canvas.Title != p.Title {
			t.Canvas.Title, changed = p.Title, true
		}
		return changed
	}))
	return eff
}

// canvasVersion 画布尚无任何版本 (含缓冲中的) 时, 首个块固定落在版本 1。
func (r *Reducer) canvasVersion(turnID string, version int) int {
	if r.coalescer.HasCanvas(turnID) {
		return max(version, 1)
	}
	if t, err := r.store.Turn(turnID); err == nil && (t.Canvas == nil || len(t.Canvas.Versions) == 0) {
		return 1
	}
	return max(version, 1)
}

func handleCanvasPreview(r *Reducer, turnID string, f frame.Frame) Effect {
	preview := f.Payload.Preview
	if preview == "" {
		preview = f.Payload.Text()
	}
	return r.update(turnID, f.Kind, func(t *timeline.Turn) bool {
		if t.Canvas == nil {
			t.Canvas = &timeline.Canvas{}
		}
		t.Canvas.Preview = preview
		return true
	})
}

func handleSources(r *Reducer, turnID string, f frame.Frame) Effect {
	sources := parseSources(f.Payload.Content)
	return r.update(turnID, f.Kind, func(t *timeline.Turn) bool {
		t.Sources = sources
		return true
	})
}

// parseSources accepts a JSON array or a JSON string holding an array. Any
// other input yields an empty, non-nil list.
func parseSources(raw json.RawMessage) []timeline.Source {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return []timeline.Source{}
		}
		raw = []byte(strings.TrimSpace(inner))
	}
	var out []timeline.Source
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return []timeline.Source{}
	}
	return out
}

func handleProgress(r *Reducer, turnID string, f frame.Frame) Effect {
	p := f.Payload
	v, ok := p.Number()
	if !ok {
		return Effect{TurnID: turnID}
	}
	return r.update(turnID, f.Kind, func(t *timeline.Turn) bool {
		if t.Open() {
			markStreaming(t)
		}
		t.Progress = v
		if p.AgentMode != "" {
			t.AgentMode = p.AgentMode
		}
		return true
	})
}

func handleRelatedQueries(r *Reducer, turnID string, f frame.Frame) Effect {
	queries := lo.Compact(lo.Map(f.Payload.Strings(), func(q string, _ int) string {
		return strings.TrimSpace(q)
	}))
	return r.update(turnID, f.Kind, func(t *timeline.Turn) bool {
		t.RelatedQueries = queries
		return true
	})
}

func handleResponseTime(r *Reducer, turnID string, f frame.Frame) Effect {
	text := f.Payload.Text()
	return r.update(turnID, f.Kind, func(t *timeline.Turn) bool {
		t.ResponseTime = text
		return true
	})
}

func handleContext(r *Reducer, turnID string, f frame.Frame) Effect {
	heading := util.FirstNonEmpty(f.Payload.Text(), f.Payload.Title)
	return r.update(turnID, f.Kind, func(t *timeline.Turn) bool {
		t.Heading = heading
		return true
	})
}

func handleComplete(r *Reducer, turnID string, f frame.Frame) Effect {
	p := f.Payload
	eff := r.update(turnID, f.Kind, func(t *timeline.Turn) bool {
		if t.Status.Terminal() && t.Status != timeline.StatusCompleted {
			return false
		}
		t.Status = timeline.StatusCompleted
		t.IsSuggestion = p.IsSuggestion
		t.IsRetry = p.IsRetry
		t.IsElaborate = p.IsElaborate
		return true
	})
	eff.TurnID = turnID
	if p.Notify {
		eff.Notify = true
		eff.CloseSession = true
	}
	return eff
}

// handleError marks the turn errored and always closes the session, even
// when the turn is unknown.
func handleError(r *Reducer, turnID string, f frame.Frame) Effect {
	msg := util.FirstNonEmpty(f.Payload.Message, f.Payload.Text(), "server error")
	eff := r.update(turnID, f.Kind, func(t *timeline.Turn) bool {
		t.Status = timeline.StatusErrored
		t.Error = true
		t.ErrorClass = "server_error"
		return true
	})
	eff.TurnID = turnID
	eff.CloseSession = true
	eff.ServerError = msg
	return eff
}

func handleChart(r *Reducer, turnID string, f frame.Frame) Effect {
	data := rawData(f.Payload.Content)
	return r.update(turnID, f.Kind, func(t *timeline.Turn) bool {
		t.ChartData = data
		return true
	})
}

func handleMap(r *Reducer, turnID string, f frame.Frame) Effect {
	data := rawData(f.Payload.Content)
	return r.update(turnID, f.Kind, func(t *timeline.Turn) bool {
		t.MapData = data
		return true
	})
}

// rawData 字符串形式的 JSON 解包一层。
func rawData(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil && json.Valid([]byte(inner)) {
			return json.RawMessage(inner)
		}
	}
	return append(json.RawMessage(nil), raw...)
}

func handlePing(_ *Reducer, turnID string, _ frame.Frame) Effect {
	return Effect{TurnID: turnID}
}
