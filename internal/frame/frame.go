// frame.go — 帧与 payload 定义。
package frame

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Frame is one parsed unit of the inbound stream.
type Frame struct {
	Kind    Kind
	Name    string // 原始事件名 (event: 行或 payload.type)
	Payload Payload
	Raw     json.RawMessage
}

// TurnID 返回帧所指向的 turn id, 可能为空。
func (f Frame) TurnID() string { return strings.TrimSpace(f.Payload.MessageID) }

// Payload is the decoded JSON body of a frame. Content stays raw because its
// shape depends on the kind (string for text frames, string-or-array for
// sources, object for chart and map).
type Payload struct {
	Type           string          `json:"type,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ID             string          `json:"id,omitempty"`
	Agent          string          `json:"agent,omitempty"`
	Title          string          `json:"title,omitempty"`
	Preview        string          `json:"preview,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Version        int             `json:"version,omitempty"`
	Progress       *float64        `json:"progress,omitempty"`
	AgentMode      string          `json:"agent_mode,omitempty"`
	Queries        []string        `json:"queries,omitempty"`
	Message        string          `json:"message,omitempty"`
	IsSuggestion   bool            `json:"is_suggestion,omitempty"`
	IsRetry        bool            `json:"is_retry,omitempty"`
	IsElaborate    bool            `json:"is_elaborate,omitempty"`
	Notify         bool            `json:"notify,omitempty"`
}

// Text returns Content as text: JSON strings are unquoted, null is empty,
// any other JSON value is returned verbatim.
func (p Payload) Text() string {
	raw := bytes.TrimSpace(p.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// Number 返回 Progress 字段, 缺省时尝试把 Content 解析为数字。
func (p Payload) Number() (float64, bool) {
	if p.Progress != nil {
		return *p.Progress, true
	}
	return scalar(p.Content).number()
}

// Strings 返回 Queries, 缺省时尝试把 Content 解析为字符串数组
// (数组本身或其 JSON 字符串形式)。
func (p Payload) Strings() []string {
	if len(p.Queries) > 0 {
		return append([]string(nil), p.Queries...)
	}
	return stringList(p.Content)
}

// ========================================
// 宽松解码
// ========================================

// wirePayload 上游字段的实际形态不固定 ("progress":"42", "id":7),
// 标量一律先收原始 JSON, 再在 UnmarshalJSON 中转换。
type wirePayload struct {
	Type           scalar          `json:"type"`
	MessageID      scalar          `json:"message_id"`
	ConversationID scalar          `json:"conversation_id"`
	ID             scalar          `json:"id"`
	Agent          scalar          `json:"agent"`
	Title          scalar          `json:"title"`
	Preview        scalar          `json:"preview"`
	Content        json.RawMessage `json:"content"`
	Version        scalar          `json:"version"`
	Progress       scalar          `json:"progress"`
	AgentMode      scalar          `json:"agent_mode"`
	Queries        json.RawMessage `json:"queries"`
	Message        scalar          `json:"message"`
	IsSuggestion   scalar          `json:"is_suggestion"`
	IsRetry        scalar          `json:"is_retry"`
	IsElaborate    scalar          `json:"is_elaborate"`
	Notify         scalar          `json:"notify"`
}

// UnmarshalJSON decodes a frame body. Only a body that is not a JSON object
// is an error; scalar fields accept strings, numbers and booleans alike.
func (p *Payload) UnmarshalJSON(b []byte) error {
	var w wirePayload
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = Payload{
		Type:           w.Type.text(),
		MessageID:      w.MessageID.text(),
		ConversationID: w.ConversationID.text(),
		ID:             w.ID.text(),
		Agent:          w.Agent.text(),
		Title:          w.Title.text(),
		Preview:        w.Preview.text(),
		Content:        w.Content,
		AgentMode:      w.AgentMode.text(),
		Queries:        stringList(w.Queries),
		Message:        w.Message.text(),
		IsSuggestion:   w.IsSuggestion.truthy(),
		IsRetry:        w.IsRetry.truthy(),
		IsElaborate:    w.IsElaborate.truthy(),
		Notify:         w.Notify.truthy(),
	}
	if v, ok := w.Version.number(); ok {
		p.Version = int(v)
	}
	if v, ok := w.Progress.number(); ok {
		p.Progress = &v
	}
	return nil
}

// scalar 原样保存一个 JSON 值。
type scalar []byte

func (s *scalar) UnmarshalJSON(b []byte) error {
	*s = append((*s)[:0], b...)
	return nil
}

// text: 字符串去引号, 数字 / 布尔原样, null 与对象 / 数组为空。
func (s scalar) text() string {
	raw := bytes.TrimSpace(s)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var v string
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
		return ""
	case '{', '[', 'n':
		return ""
	}
	return string(raw)
}

func (s scalar) number() (float64, bool) {
	text := strings.TrimSpace(s.text())
	if text == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s scalar) truthy() bool {
	switch strings.ToLower(strings.TrimSpace(s.text())) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// stringList 解析字符串数组: 数组元素可为任意标量, 或整个数组被编码成 JSON 字符串。
func stringList(raw []byte) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	switch raw[0] {
	case '[':
		var items []scalar
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, it.text())
		}
		return out
	case '"':
		inner := scalar(raw).text()
		if strings.HasPrefix(strings.TrimSpace(inner), "[") {
			return stringList([]byte(inner))
		}
	}
	return nil
}
