// classify.go — 会话级失败分类与用户提示。
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"

	apperrors "github.com/multi-agent/answer-stream/pkg/errors"
)

// Class is the session-level failure taxonomy.
type Class string

const (
	ClassCancelled   Class = "cancelled"
	ClassNetwork     Class = "network"
	ClassServerError Class = "server_error"
	ClassTimeout     Class = "timeout"
	ClassUnknown     Class = "unknown"
)

var classMessages = map[Class]string{
	ClassCancelled:   "Generation stopped.",
	ClassNetwork:     "Network error. Check your connection and try again.",
	ClassServerError: "The server ran into a problem. Please try again.",
	ClassTimeout:     "The answer stopped arriving. Please try again.",
	ClassUnknown:     "Something went wrong. Please try again.",
}

// Message returns the user-facing text of the class.
func (c Class) Message() string {
	if msg, ok := classMessages[c]; ok {
		return msg
	}
	return classMessages[ClassUnknown]
}

// MarksError 除 cancelled 外都会把 turn 标记为 error。
func (c Class) MarksError() bool { return c != ClassCancelled }

// StreamError is a classified session failure.
type StreamError struct {
	Class Class
	Err   error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *StreamError) Unwrap() error { return e.Err }

// Classify maps a failure to exactly one class.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se.Class
	}
	switch {
	case errors.Is(err, apperrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, apperrors.ErrCancelled), errors.Is(err, context.Canceled):
		return ClassCancelled
	}

	var status *StatusError
	if errors.As(err, &status) {
		if status.Code >= 500 {
			return ClassServerError
		}
		return ClassUnknown
	}

	var netErr net.Error
	var urlErr *url.Error
	var opErr *net.OpError
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		// 等待响应头超时
		return ClassTimeout
	case errors.As(err, &opErr), errors.As(err, &urlErr):
		return ClassNetwork
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF):
		return ClassNetwork
	}
	return ClassUnknown
}
