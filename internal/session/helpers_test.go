// helpers_test.go — 测试用 fake transport 与轮询工具。
package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"
)

type openCall struct {
	ctx         context.Context
	req         Request
	w           *io.PipeWriter
	prevAborted bool // 本次请求发出时, 上一个会话的 ctx 是否已取消
	stopsSeen   int  // 本次请求发出时已完成的 stop 调用数
}

// send 写入一个 data: 帧。
func (c *openCall) send(t *testing.T, v map[string]any) {
	t.Helper()
	b, _ := json.Marshal(v)
	if _, err := c.w.Write([]byte("data: " + string(b) + "\n\n")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	calls   []*openCall
	stops   []StopRequest
	openErr error
	ready   chan *openCall

	// stopGate 非 nil 时, Stop 在其关闭前阻塞。
	stopGate chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ready: make(chan *openCall, 8)}
}

func (f *fakeTransport) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	f.mu.Lock()
	prevAborted := len(f.calls) == 0 || f.calls[len(f.calls)-1].ctx.Err() != nil
	stopsSeen := len(f.stops)
	err := f.openErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(context.Cause(ctx))
	}()
	call := &openCall{ctx: ctx, req: req, w: pw, prevAborted: prevAborted, stopsSeen: stopsSeen}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	f.ready <- call
	return pr, nil
}

func (f *fakeTransport) Stop(ctx context.Context, req StopRequest) error {
	f.mu.Lock()
	gate := f.stopGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, req)
	return nil
}

func (f *fakeTransport) stopRequests() []StopRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StopRequest(nil), f.stops...)
}

func (f *fakeTransport) next(t *testing.T) *openCall {
	t.Helper()
	select {
	case c := <-f.ready:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no stream opened")
		return nil
	}
}

// eventually 轮询直到 cond 成立。
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) add(n Notice) {
	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

func (l *noticeLog) list() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Notice(nil), l.notices...)
}

func newTestController(t *testing.T, tr Transport, idle time.Duration) (*Controller, *noticeLog) {
	t.Helper()
	c := New(Options{
		Transport:        tr,
		IdleTimeout:      idle,
		StopTimeout:      time.Second,
		AgentModeDefault: "auto",
		Timezone:         "UTC",
		RealtimeInfo:     true,
	})
	notices := &noticeLog{}
	c.OnNotice(notices.add)
	t.Cleanup(c.Close)
	return c, notices
}

func noActive(c *Controller) func() bool {
	return func() bool {
		_, ok := c.Active()
		return !ok
	}
}
