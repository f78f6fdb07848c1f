// kind.go — 帧类型枚举。
package frame

import "strings"

// Kind is the semantic type of a frame.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSessionInfo
	KindResponse
	KindResponseChunk
	KindResearch
	KindResearchChunk
	KindCanvasResponseChunk
	KindCanvasPreview
	KindSources
	KindProgress
	KindRelatedQueries
	KindResponseTime
	KindContext
	KindComplete
	KindError
	KindChart
	KindMap
	KindPing
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindSessionInfo:         "session_info",
	KindResponse:            "response",
	KindResponseChunk:       "response-chunk",
	KindResearch:            "research",
	KindResearchChunk:       "research-chunk",
	KindCanvasResponseChunk: "canvas-response-chunk",
	KindCanvasPreview:       "canvas-preview",
	KindSources:             "sources",
	KindProgress:            "progress",
	KindRelatedQueries:      "related_queries",
	KindResponseTime:        "response_time",
	KindContext:             "context",
	KindComplete:            "complete",
	KindError:               "error",
	KindChart:               "chart",
	KindMap:                 "map",
	KindPing:                "ping",
}

var kindByName = func() map[string]Kind {
	out := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		if k == KindUnknown {
			continue
		}
		out[name] = k
	}
	return out
}()

// ParseKind maps a wire name to a Kind. Underscore and hyphen spellings are
// accepted for every kind; anything else is KindUnknown.
func ParseKind(name string) Kind {
	name = strings.ToLower(strings.TrimSpace(name))
	if k, ok := kindByName[name]; ok {
		return k
	}
	if k, ok := kindByName[strings.ReplaceAll(name, "_", "-")]; ok {
		return k
	}
	if k, ok := kindByName[strings.ReplaceAll(name, "-", "_")]; ok {
		return k
	}
	return KindUnknown
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// IsChunk 是否为经过 coalescer 的流式文本帧。
func (k Kind) IsChunk() bool {
	return k == KindResponseChunk || k == KindCanvasResponseChunk
}

// Kinds 返回全部已知类型 (不含 KindUnknown)。
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames)-1)
	for k := KindSessionInfo; k <= KindPing; k++ {
		out = append(out, k)
	}
	return out
}
