// parser_test.go — 分片边界、两种帧形态、坏帧恢复测试。
package frame

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"unicode/utf8"
)

func feedAll(p *Parser, parts ...string) []Frame {
	var out []Frame
	for _, part := range parts {
		out = append(out, p.Feed([]byte(part))...)
	}
	return append(out, p.Flush()...)
}

func TestParserShapes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind Kind
		wantName string
		wantText string
	}{
		{"data only", "data: {\"type\":\"response\",\"content\":\"Hi\"}\n\n", KindResponse, "response", "Hi"},
		{"event line", "event: response-chunk\ndata: {\"content\":\" there\"}\n\n", KindResponseChunk, "response-chunk", " there"},
		{"event overrides type", "event: context\ndata: {\"type\":\"response\",\"content\":\"h\"}\n\n", KindContext, "context", "h"},
		{"crlf", "data: {\"type\":\"progress\",\"progress\":0.5}\r\n\r\n", KindProgress, "progress", ""},
		{"no space after colon", "data:{\"type\":\"ping\"}\n\n", KindPing, "ping", ""},
		{"unknown kind kept", "data: {\"type\":\"weather\"}\n\n", KindUnknown, "weather", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := feedAll(NewParser(), tt.input)
			if len(frames) != 1 {
				t.Fatalf("frames = %d, want 1", len(frames))
			}
			f := frames[0]
			if f.Kind != tt.wantKind || f.Name != tt.wantName {
				t.Errorf("kind/name = %v/%q, want %v/%q", f.Kind, f.Name, tt.wantKind, tt.wantName)
			}
			if got := f.Payload.Text(); got != tt.wantText {
				t.Errorf("Text() = %q, want %q", got, tt.wantText)
			}
		})
	}
}

func TestParserArbitraryBoundaries(t *testing.T) {
	stream := "data: {\"type\":\"session_info\",\"message_id\":\"A\"}\n\n" +
		"event: response\ndata: {\"message_id\":\"A\",\"content\":\"Hi\"}\n\n" +
		": keepalive\n\n" +
		"data: {\"type\":\"complete\",\"message_id\":\"A\"}\n\n"

	// 每个字节一个分片
	p := NewParser()
	var parts []string
	for i := 0; i < len(stream); i++ {
		parts = append(parts, stream[i:i+1])
	}
	frames := feedAll(p, parts...)

	want := []Kind{KindSessionInfo, KindResponse, KindComplete}
	if len(frames) != len(want) {
		t.Fatalf("frames = %d, want %d", len(frames), len(want))
	}
	for i, k := range want {
		if frames[i].Kind != k {
			t.Errorf("frames[%d].Kind = %v, want %v", i, frames[i].Kind, k)
		}
		if frames[i].TurnID() != "A" {
			t.Errorf("frames[%d].TurnID() = %q, want A", i, frames[i].TurnID())
		}
	}
	if st := p.Stats(); st.Comments != 1 || st.Frames != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestParserMalformedFrameDoesNotAbort(t *testing.T) {
	p := NewParser()
	frames := feedAll(p,
		"data: {\"type\":\"response\",\"content\":\"a\"}\n\n",
		"data: {not json\n\n",
		"data: {\"type\":\"complete\"}\n\n",
	)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[1].Kind != KindComplete {
		t.Errorf("second frame = %v, want complete", frames[1].Kind)
	}
	if p.Stats().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", p.Stats().Dropped)
	}
}

func TestParserLooseScalarFields(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, f Frame)
	}{
		{"string progress", `{"type":"progress","progress":"42"}`, func(t *testing.T, f Frame) {
			if v, ok := f.Payload.Number(); !ok || v != 42 {
				t.Errorf("Number() = %v, %v, want 42", v, ok)
			}
		}},
		{"numeric step id", `{"type":"research-chunk","id":7,"content":"step"}`, func(t *testing.T, f Frame) {
			if f.Payload.ID != "7" || f.Payload.Text() != "step" {
				t.Errorf("ID/Text = %q/%q", f.Payload.ID, f.Payload.Text())
			}
		}},
		{"numeric message id", `{"type":"session_info","message_id":1001}`, func(t *testing.T, f Frame) {
			if f.TurnID() != "1001" {
				t.Errorf("TurnID() = %q", f.TurnID())
			}
		}},
		{"string version", `{"type":"canvas-response-chunk","version":"2","content":"x"}`, func(t *testing.T, f Frame) {
			if f.Payload.Version != 2 {
				t.Errorf("Version = %d, want 2", f.Payload.Version)
			}
		}},
		{"mixed queries", `{"type":"related_queries","queries":["a",3,null]}`, func(t *testing.T, f Frame) {
			if got := f.Payload.Strings(); len(got) != 3 || got[1] != "3" || got[2] != "" {
				t.Errorf("Strings() = %q", got)
			}
		}},
		{"string flags", `{"type":"complete","notify":"true","is_retry":1}`, func(t *testing.T, f Frame) {
			if !f.Payload.Notify || !f.Payload.IsRetry || f.Payload.IsSuggestion {
				t.Errorf("flags = %+v", f.Payload)
			}
		}},
		{"null fields", `{"type":"progress","progress":null,"id":null}`, func(t *testing.T, f Frame) {
			if f.Payload.Progress != nil || f.Payload.ID != "" {
				t.Errorf("payload = %+v", f.Payload)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			frames := feedAll(p, "data: "+tt.frame+"\n\n")
			if len(frames) != 1 {
				t.Fatalf("frames = %d, dropped = %d, want 1 frame", len(frames), p.Stats().Dropped)
			}
			tt.check(t, frames[0])
		})
	}
}

func TestParserDropsNonObjectPayload(t *testing.T) {
	p := NewParser()
	frames := feedAll(p, "data: 42\n\n", "data: [1]\n\n")
	if len(frames) != 0 || p.Stats().Dropped != 2 {
		t.Errorf("frames = %d, dropped = %d", len(frames), p.Stats().Dropped)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc..."},
		{"模型过载", 4, "模..."}, // 每个字 3 字节, 4 落在第二个字中间
		{"模型过载", 6, "模型..."},
		{"a模", 2, "a..."},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.limit)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.limit)
		}
	}
}

func TestParserFlushTrailingFrame(t *testing.T) {
	p := NewParser()
	if got := p.Feed([]byte("data: {\"type\":\"complete\"}")); len(got) != 0 {
		t.Fatalf("Feed emitted %d frames before delimiter", len(got))
	}
	got := p.Flush()
	if len(got) != 1 || got[0].Kind != KindComplete {
		t.Fatalf("Flush() = %+v", got)
	}
	if again := p.Flush(); len(again) != 0 {
		t.Errorf("second Flush() = %d frames, want 0", len(again))
	}
}

func TestParserMultiLineData(t *testing.T) {
	frames := feedAll(NewParser(), "data: {\"type\":\"response\",\ndata: \"content\":\"x\"}\n\n")
	if len(frames) != 1 || frames[0].Payload.Text() != "x" {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"response-chunk", KindResponseChunk},
		{"response_chunk", KindResponseChunk},
		{"related-queries", KindRelatedQueries},
		{" Session_Info ", KindSessionInfo},
		{"", KindUnknown},
		{"nope", KindUnknown},
	}
	for _, tt := range tests {
		if got := ParseKind(tt.in); got != tt.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	for _, k := range Kinds() {
		if ParseKind(k.String()) != k {
			t.Errorf("round trip failed for %v", k)
		}
	}
}

func TestPayloadHelpers(t *testing.T) {
	p := Payload{Content: []byte(`"[\"a\",\"b\"]"`)}
	if got := p.Strings(); len(got) != 2 || got[1] != "b" {
		t.Errorf("Strings() from string = %v", got)
	}
	p = Payload{Content: []byte(`["x"]`)}
	if got := p.Strings(); len(got) != 1 || got[0] != "x" {
		t.Errorf("Strings() from array = %v", got)
	}
	p = Payload{Content: []byte(`"42.5"`)}
	if v, ok := p.Number(); !ok || v != 42.5 {
		t.Errorf("Number() = %v, %v", v, ok)
	}
	p = Payload{Content: []byte(`null`)}
	if p.Text() != "" {
		t.Errorf("Text() of null = %q", p.Text())
	}
}

type chunkReader struct {
	parts []string
	err   error
}

func (r *chunkReader) Read(b []byte) (int, error) {
	if len(r.parts) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(b, r.parts[0])
	r.parts[0] = r.parts[0][n:]
	if r.parts[0] == "" {
		r.parts = r.parts[1:]
	}
	return n, nil
}

func TestReadDeliversInOrder(t *testing.T) {
	r := &chunkReader{parts: []string{"data: {\"type\":\"resp", "onse\"}\n\ndata: {\"type\":\"complete\"}"}}
	var kinds []Kind
	err := Read(context.Background(), r, func(f Frame) error {
		kinds = append(kinds, f.Kind)
		return nil
	})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(kinds) != 2 || kinds[0] != KindResponse || kinds[1] != KindComplete {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestReadPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	r := &chunkReader{parts: []string{"data: {}\n\n"}, err: boom}
	err := Read(context.Background(), r, func(Frame) error { return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("Read() error = %v, want boom", err)
	}
}

func TestReadCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Read(ctx, strings.NewReader("data: {}\n\n"), func(Frame) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Read() error = %v, want context.Canceled", err)
	}
}

func TestAllStopsEarly(t *testing.T) {
	stream := strings.Repeat("data: {\"type\":\"ping\"}\n\n", 5)
	n := 0
	for f, err := range All(strings.NewReader(stream)) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.Kind != KindPing {
			t.Fatalf("kind = %v", f.Kind)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("iterated %d frames, want 2", n)
	}
}
