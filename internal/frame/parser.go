// parser.go — SSE 帧解析: 任意边界的分片 → 完整帧。
package frame

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/multi-agent/answer-stream/internal/metrics"
	"github.com/multi-agent/answer-stream/pkg/logger"
)

// Stats 解析计数。
type Stats struct {
	Frames   int
	Dropped  int
	Comments int
}

// Parser buffers stream fragments and emits frames at each blank-line
// delimiter. It has no side effects beyond logging and metrics.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	buf   []byte
	event string
	data  []string
	stats Stats
}

// NewParser 创建解析器。
func NewParser() *Parser { return &Parser{} }

// Stats 返回当前计数。
func (p *Parser) Stats() Stats { return p.stats }

// Feed appends a fragment and returns every frame it completes, in order.
func (p *Parser) Feed(chunk []byte) []Frame {
	if len(chunk) == 0 {
		return nil
	}
	p.buf = append(p.buf, chunk...)

	var out []Frame
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimSuffix(p.buf[:i], []byte{'\r'}))
		p.buf = p.buf[i+1:]
		if f, ok := p.line(line); ok {
			out = append(out, f)
		}
	}
	// 释放已消费的底层数组
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return out
}

// Flush emits a trailing frame that was not followed by a delimiter.
// Call it once at end of stream.
func (p *Parser) Flush() []Frame {
	var out []Frame
	if len(p.buf) > 0 {
		line := string(bytes.TrimSuffix(p.buf, []byte{'\r'}))
		p.buf = nil
		if f, ok := p.line(line); ok {
			out = append(out, f)
		}
	}
	if f, ok := p.dispatch(); ok {
		out = append(out, f)
	}
	return out
}

func (p *Parser) line(line string) (Frame, bool) {
	if line == "" {
		return p.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		p.stats.Comments++
		return Frame{}, false
	}
	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "event":
		p.event = strings.TrimSpace(value)
	case "data":
		p.data = append(p.data, value)
	default:
		// id / retry 及未知字段忽略
	}
	return Frame{}, false
}

func (p *Parser) dispatch() (Frame, bool) {
	event, data := p.event, p.data
	p.event, p.data = "", nil
	if len(data) == 0 {
		return Frame{}, false
	}

	raw := []byte(strings.Join(data, "\n"))
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		p.stats.Dropped++
		metrics.ObserveDrop(metrics.DropParse)
		logger.Warn("frame: malformed payload dropped",
			logger.FieldFrameKind, event,
			logger.FieldLen, len(raw),
			logger.FieldRaw, truncate(string(raw), 120),
			logger.FieldError, err)
		return Frame{}, false
	}

	name := event
	if name == "" {
		name = payload.Type
	}
	f := Frame{
		Kind:    ParseKind(name),
		Name:    name,
		Payload: payload,
		Raw:     json.RawMessage(raw),
	}
	p.stats.Frames++
	metrics.ObserveFrame(f.Kind.String())
	return f, true
}

// truncate 截断到 limit 字节以内, 不切开多字节字符。
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// ========================================
// Reader 形式
// ========================================

const readChunkSize = 4096

// ErrStop 回调返回 ErrStop 时 Read 正常结束。
var ErrStop = errors.New("frame: stop")

// Read consumes r until EOF, invoking fn for every frame in order.
// A trailing frame without delimiter is delivered at EOF. Returning ErrStop
// from fn ends reading with a nil error.
func Read(ctx context.Context, r io.Reader, fn func(Frame) error) error {
	p := NewParser()
	buf := make([]byte, readChunkSize)
	emit := func(frames []Frame) error {
		for _, f := range frames {
			if err := fn(f); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := emit(p.Feed(buf[:n])); ferr != nil {
				return stopIsNil(ferr)
			}
		}
		if errors.Is(err, io.EOF) {
			return stopIsNil(emit(p.Flush()))
		}
		if err != nil {
			return err
		}
	}
}

// All returns the frames of r as a lazy sequence. Iteration stops at EOF or
// at the first read error, which is yielded with a zero Frame.
func All(r io.Reader) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		err := Read(context.Background(), r, func(f Frame) error {
			if !yield(f, nil) {
				return ErrStop
			}
			return nil
		})
		if err != nil {
			yield(Frame{}, err)
		}
	}
}

func stopIsNil(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}
