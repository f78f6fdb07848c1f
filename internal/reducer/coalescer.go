// coalescer.go — 流式文本增量按 key 缓冲, 达到阈值再合并写入。
package reducer

import (
	"slices"
	"strings"

	"github.com/multi-agent/answer-stream/internal/metrics"
)

// Key addresses one stream of text deltas: the response of a turn, or one
// canvas version of a turn.
type Key struct {
	TurnID  string
	Canvas  bool
	Version int
}

func (k Key) target() string {
	if k.Canvas {
		return "canvas"
	}
	return "response"
}

// Flush is buffered text released for one key.
type Flush struct {
	Key  Key
	Text string
}

// Coalescer buffers deltas per key and releases them every threshold
// deltas. Text for a key is only ever appended to, never reordered.
//
// Not safe for concurrent use.
type Coalescer struct {
	threshold int
	buffers   map[Key]*strings.Builder
	counters  map[Key]int
	order     []Key // 首次缓冲顺序, Drain 按此输出
}

// NewCoalescer creates a coalescer; threshold below 1 means every delta.
func NewCoalescer(threshold int) *Coalescer {
	if threshold < 1 {
		threshold = 1
	}
	return &Coalescer{
		threshold: threshold,
		buffers:   map[Key]*strings.Builder{},
		counters:  map[Key]int{},
	}
}

// Threshold 返回 flush 阈值。
func (c *Coalescer) Threshold() int { return c.threshold }

// Ingest appends delta to the key's buffer. When the counter reaches the
// threshold the whole buffer is returned and cleared.
func (c *Coalescer) Ingest(key Key, delta string) (string, bool) {
	b, ok := c.buffers[key]
	if !ok {
		b = &strings.Builder{}
		c.buffers[key] = b
		c.order = append(c.order, key)
	}
	b.WriteString(delta)
	c.counters[key]++
	if c.counters[key] < c.threshold {
		return "", false
	}
	text := b.String()
	c.remove(key)
	if text == "" {
		return "", false
	}
	metrics.CoalescerFlushes.WithLabelValues(key.target()).Inc()
	return text, true
}

// Drain releases every pending buffer of turnID in first-buffered order.
func (c *Coalescer) Drain(turnID string) []Flush {
	return c.drain(func(k Key) bool { return k.TurnID == turnID })
}

// DrainAll releases every pending buffer.
func (c *Coalescer) DrainAll() []Flush {
	return c.drain(func(Key) bool { return true })
}

// Discard drops pending text of turnID without releasing it.
func (c *Coalescer) Discard(turnID string) {
	for _, k := range slices.Clone(c.order) {
		if k.TurnID == turnID {
			c.remove(k)
		}
	}
}

// HasCanvas reports whether canvas text of turnID is waiting in a buffer.
func (c *Coalescer) HasCanvas(turnID string) bool {
	return slices.ContainsFunc(c.order, func(k Key) bool { return k.Canvas && k.TurnID == turnID })
}

// Pending 待 flush 的 key 数。
func (c *Coalescer) Pending() int { return len(c.order) }

func (c *Coalescer) drain(match func(Key) bool) []Flush {
	var out []Flush
	for _, k := range slices.Clone(c.order) {
		if !match(k) {
			continue
		}
		if text := c.buffers[k].String(); text != "" {
			out = append(out, Flush{Key: k, Text: text})
			metrics.CoalescerFlushes.WithLabelValues(k.target()).Inc()
		}
		c.remove(k)
	}
	return out
}

func (c *Coalescer) remove(key Key) {
	delete(c.buffers, key)
	delete(c.counters, key)
	if i := slices.Index(c.order, key); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}
