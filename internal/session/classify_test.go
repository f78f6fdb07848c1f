// classify_test.go — 失败分类表测试。
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"testing"

	apperrors "github.com/multi-agent/answer-stream/pkg/errors"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassUnknown},
		{"watchdog", apperrors.ErrTimeout, ClassTimeout},
		{"wrapped watchdog", apperrors.Wrap(apperrors.ErrTimeout, "Session.read", "idle"), ClassTimeout},
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"user abort", apperrors.ErrCancelled, ClassCancelled},
		{"ctx cancel", fmt.Errorf("read: %w", context.Canceled), ClassCancelled},
		{"503", &StatusError{Code: 503}, ClassServerError},
		{"wrapped 500", apperrors.WithCode(&StatusError{Code: 500}, "HTTPTransport.Open", apperrors.CodeUpstream, "open"), ClassServerError},
		{"404", &StatusError{Code: 404}, ClassUnknown},
		{"dial", &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}}, ClassNetwork},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassNetwork},
		{"truncated", io.ErrUnexpectedEOF, ClassNetwork},
		{"header timeout", &url.Error{Op: "Post", URL: "http://x", Err: timeoutErr{}}, ClassTimeout},
		{"classified", &StreamError{Class: ClassNetwork, Err: errors.New("x")}, ClassNetwork},
		{"other", errors.New("weird"), ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassMessagesDistinct(t *testing.T) {
	seen := map[string]Class{}
	for _, c := range []Class{ClassCancelled, ClassNetwork, ClassServerError, ClassTimeout, ClassUnknown} {
		msg := c.Message()
		if msg == "" {
			t.Errorf("%s has no message", c)
		}
		if other, dup := seen[msg]; dup {
			t.Errorf("%s and %s share message %q", c, other, msg)
		}
		seen[msg] = c
	}
	if ClassCancelled.MarksError() || !ClassTimeout.MarksError() {
		t.Error("MarksError mismatch")
	}
}
