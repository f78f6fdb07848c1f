// main_test.go — answerctl: 增量输出、配置映射、回放上游下的 ask。
package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/answer-stream/internal/config"
	"github.com/multi-agent/answer-stream/internal/replay"
	"github.com/multi-agent/answer-stream/internal/store"
	"github.com/multi-agent/answer-stream/internal/timeline"
)

func snapWith(rev uint64, content string) timeline.Snapshot {
	return timeline.Snapshot{
		Revision: rev,
		Turns:    []timeline.Turn{{ID: "t1", Query: "q", Response: timeline.Response{Content: content}}},
	}
}

func TestContentPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &contentPrinter{w: &buf}

	steps := []timeline.Snapshot{
		snapWith(1, ""),
		snapWith(2, "Hello"),
		snapWith(4, "Hello, world"),
		snapWith(3, "Hello,"), // 乱序到达, 忽略
		snapWith(4, "Hello, world"),
		snapWith(5, "Hello, world!"),
		{Revision: 6},
	}
	for _, s := range steps {
		p.onSnapshot(s)
	}
	if got := buf.String(); got != "Hello, world!" {
		t.Errorf("printed %q, want %q", got, "Hello, world!")
	}
}

func TestControllerOptions(t *testing.T) {
	t.Setenv("STREAM_IDLE_TIMEOUT_MS", "2500")
	t.Setenv("STREAM_COALESCE_THRESHOLD", "3")
	t.Setenv("RESEARCH_MIN_OVERLAP", "4")
	t.Setenv("AGENT_MODE_DEFAULT", "research")
	t.Setenv("TIMEZONE", "Asia/Shanghai")
	t.Setenv("REALTIME_INFO", "false")

	opts := controllerOptions(config.Load(), nil)
	if opts.IdleTimeout != 2500*time.Millisecond {
		t.Errorf("IdleTimeout = %v", opts.IdleTimeout)
	}
	if opts.CoalesceThreshold != 3 || opts.MinOverlap != 4 {
		t.Errorf("CoalesceThreshold/MinOverlap = %d/%d", opts.CoalesceThreshold, opts.MinOverlap)
	}
	if opts.AgentModeDefault != "research" || opts.Timezone != "Asia/Shanghai" || opts.RealtimeInfo {
		t.Errorf("request defaults = %+v", opts)
	}
	if opts.Transport == nil || opts.Recorder != nil {
		t.Errorf("Transport/Recorder = %v/%v", opts.Transport, opts.Recorder)
	}
}

func TestPrintSessions(t *testing.T) {
	var buf bytes.Buffer
	rows := []store.SessionLog{{
		SessionID: "s-1", TurnID: "t-1", Outcome: "completed", AgentMode: "auto",
		Frames: 12, DurationMS: 1500, StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
	if err := printSessions(&buf, rows); err != nil {
		t.Fatalf("printSessions: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"SESSION", "s-1", "completed", "2026-01-02T03:04:05Z", "1.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv, err := replay.NewServer(replay.Options{})
	if err != nil {
		t.Fatalf("replay.NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Engine())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--upstream", ts.URL, "--log-level", "ERROR"}, args...))
	err = rootCmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func TestAskAgainstReplay(t *testing.T) {
	t.Setenv("LOG_DIR", "")
	out, _, err := runCLI(t, "ask", "hello")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	for _, want := range []string{"Hello, world!", "Sources:", "example.com", "Related:", "(1.2s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAskReportsFailure(t *testing.T) {
	t.Setenv("LOG_DIR", "")
	out, errOut, err := runCLI(t, "ask", "script:error")
	if err == nil {
		t.Fatal("expected error for failed turn")
	}
	if !strings.Contains(err.Error(), "server_error") {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(out, "Partial") {
		t.Errorf("partial content not printed: %q", out)
	}
	if !strings.Contains(errOut, "[server_error]") {
		t.Errorf("notice not printed: %q", errOut)
	}
}
