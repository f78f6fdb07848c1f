// clone.go — Turn 深拷贝工具函数。
package timeline

import "encoding/json"

// cloneTurn copies every slice and pointer so the result can be mutated
// without touching src.
func cloneTurn(src Turn) Turn {
	out := src
	out.Files = cloneSlice(src.Files)
	out.Research = cloneSlice(src.Research)
	if src.Sources != nil {
		out.Sources = append(make([]Source, 0, len(src.Sources)), src.Sources...)
	}
	out.RelatedQueries = cloneSlice(src.RelatedQueries)
	out.ChartData = cloneRaw(src.ChartData)
	out.MapData = cloneRaw(src.MapData)
	if src.Canvas != nil {
		c := *src.Canvas
		c.Versions = cloneSlice(src.Canvas.Versions)
		out.Canvas = &c
	}
	return out
}

func cloneSlice[T any](src []T) []T {
	if len(src) == 0 {
		return nil
	}
	return append([]T(nil), src...)
}

func cloneRaw(src json.RawMessage) json.RawMessage {
	if len(src) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), src...)
}
