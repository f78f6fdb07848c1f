// transport.go — 上游 HTTP 流式请求 + stop-generation 调用。
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/multi-agent/answer-stream/internal/timeline"
	apperrors "github.com/multi-agent/answer-stream/pkg/errors"
	"github.com/multi-agent/answer-stream/pkg/util"
)

// Request is the outbound body that opens a stream.
type Request struct {
	Query             string             `json:"query"`
	MessageID         string             `json:"message_id,omitempty"` // retry 时为目标 turn, 新 turn 为空
	IsRetry           bool               `json:"is_retry"`
	PreviousMessageID string             `json:"previous_message_id,omitempty"`
	AgentMode         string             `json:"agent_mode,omitempty"`
	RealtimeInfo      bool               `json:"realtime_info"`
	Timezone          string             `json:"timezone,omitempty"`
	Documents         []timeline.FileRef `json:"documents,omitempty"`
	IsElaborate       bool               `json:"is_elaborate"`
	IsExample         bool               `json:"is_example"`
	ConversationID    string             `json:"conversation_id,omitempty"`
}

// StopRequest asks the server to stop generating a turn.
type StopRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id"`
}

// Transport opens streams and sends stop calls. Open blocks until response
// headers arrive; the returned body must stop reading when ctx is done.
type Transport interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
	Stop(ctx context.Context, req StopRequest) error
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

const errorBodyLimit = 2048

// HTTPTransport talks to the upstream over HTTP.
type HTTPTransport struct {
	client    *http.Client
	streamURL string
	stopURL   string
}

// NewHTTPTransport 创建 HTTP transport。connectTimeout 只限制等待响应头,
// 流本身由调用方 ctx 控制。
func NewHTTPTransport(streamURL, stopURL string, connectTimeout time.Duration) *HTTPTransport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = connectTimeout
	return &HTTPTransport{
		client:    &http.Client{Transport: tr},
		streamURL: streamURL,
		stopURL:   stopURL,
	}
}

// Open POSTs req and returns the event-stream body.
func (t *HTTPTransport) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	resp, err := t.post(ctx, t.streamURL, req, "text/event-stream")
	if err != nil {
		return nil, apperrors.Wrap(err, "HTTPTransport.Open", "request stream")
	}
	if err := checkStatus(resp); err != nil {
		return nil, apperrors.WithCode(err, "HTTPTransport.Open", apperrors.CodeUpstream, "open stream")
	}
	return resp.Body, nil
}

// Stop sends the best-effort stop-generation call.
func (t *HTTPTransport) Stop(ctx context.Context, req StopRequest) error {
	if t.stopURL == "" {
		return nil
	}
	resp, err := t.post(ctx, t.stopURL, req, "application/json")
	if err != nil {
		return apperrors.Wrap(err, "HTTPTransport.Stop", "request stop")
	}
	if err := checkStatus(resp); err != nil {
		return apperrors.WithCode(err, "HTTPTransport.Stop", apperrors.CodeUpstream, "stop generation")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (t *HTTPTransport) post(ctx context.Context, url string, body any, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	return t.client.Do(req)
}

// checkStatus 非 2xx 时读取有限长度的响应体并关闭。
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(util.NewLimitedWriter(&buf, errorBodyLimit), resp.Body)
	return &StatusError{Code: resp.StatusCode, Body: util.CompactOneLine(buf.String(), 0)}
}
