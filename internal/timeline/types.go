// Package timeline holds the ordered conversation timeline and its derived
// index maps. The Store is the single owner of both.
package timeline

import "encoding/json"

// Status is the per-turn lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// Terminal 终态不再接收文本追加, 直到显式 retry。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusCancelled
}

// FileRef is an attached document reference.
type FileRef struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Response is the evolving answer text.
type Response struct {
	ID      string `json:"id,omitempty"`
	Agent   string `json:"agent,omitempty"`
	Content string `json:"content"`
}

// ResearchStep is one unit of intermediate agent work.
type ResearchStep struct {
	ID    string `json:"id"`
	Agent string `json:"agent,omitempty"`
	Title string `json:"title"`
}

// Source is one citation.
type Source struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Domain  string `json:"domain,omitempty"`
}

// CanvasVersion is one numbered revision of a canvas document.
type CanvasVersion struct {
	Version int    `json:"version"`
	Content string `json:"content"`
}

// Canvas is a long-form document with multiple versions.
type Canvas struct {
	ID       string          `json:"id,omitempty"`
	Title    string          `json:"title,omitempty"`
	Preview  string          `json:"preview,omitempty"`
	Versions []CanvasVersion `json:"versions"`
}

// Turn is one user query plus its evolving answer.
//
// Turn values held by the Store are never mutated in place; every write
// produces a new value so that snapshots stay stable.
type Turn struct {
	ID             string          `json:"id"`
	Query          string          `json:"query"`
	Files          []FileRef       `json:"files,omitempty"`
	Response       Response        `json:"response"`
	Research       []ResearchStep  `json:"research,omitempty"`
	Sources        []Source        `json:"sources"` // nil = 未收到; 空切片 = 收到但为空
	Canvas         *Canvas         `json:"canvas,omitempty"`
	Progress       float64         `json:"progress"`
	AgentMode      string          `json:"agentMode,omitempty"`
	Status         Status          `json:"status"`
	Error          bool            `json:"error,omitempty"`
	ErrorClass     string          `json:"errorClass,omitempty"`
	Cancelled      bool            `json:"cancelled,omitempty"`
	IsSuggestion   bool            `json:"isSuggestion,omitempty"`
	IsElaborate    bool            `json:"isElaborate,omitempty"`
	IsRetry        bool            `json:"isRetry,omitempty"`
	Processing     bool            `json:"processing,omitempty"`
	ResponseTime   string          `json:"responseTime,omitempty"`
	Heading        string          `json:"heading,omitempty"`
	RelatedQueries []string        `json:"relatedQueries,omitempty"`
	ChartData      json.RawMessage `json:"chartData,omitempty"`
	MapData        json.RawMessage `json:"mapData,omitempty"`
	Feedback       string          `json:"feedback,omitempty"`
	PreviousTurnID string          `json:"previousTurnId,omitempty"`
}

// Open 是否仍接受文本追加。
func (t Turn) Open() bool { return !t.Status.Terminal() }

// resetForRetry clears every transient field and reopens the turn.
// Query, files and canvas are kept.
func (t *Turn) resetForRetry(agentMode string) {
	t.Response = Response{}
	t.Research = nil
	t.Sources = nil
	t.RelatedQueries = nil
	t.ChartData = nil
	t.MapData = nil
	t.Feedback = ""
	t.Cancelled = false
	t.IsSuggestion = false
	t.IsElaborate = false
	t.IsRetry = false
	t.Error = false
	t.ErrorClass = ""
	t.ResponseTime = ""
	t.Heading = ""
	t.Progress = 0
	t.Status = StatusCreated
	t.AgentMode = agentMode
}

// Snapshot is an immutable view of the timeline handed to readers.
type Snapshot struct {
	ConversationID string `json:"conversationId,omitempty"`
	Revision       uint64 `json:"revision"`
	Turns          []Turn `json:"turns"`
}

// Turn 按 id 查找快照中的 turn。
func (s Snapshot) Turn(id string) (Turn, bool) {
	for _, t := range s.Turns {
		if t.ID == id {
			return t, true
		}
	}
	return Turn{}, false
}
