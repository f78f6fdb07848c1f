package util

import "io"

// LimitedWriter 限制写入字节数, 超出后静默丢弃 (防止内存耗尽)。
//
// 语义: 超限时返回 len(p), io.Copy 等调用方不会报 ErrShortWrite。
// 用于截取上游错误响应体。
type LimitedWriter struct {
	w       io.Writer
	limit   int
	written int
	dropped bool
}

// NewLimitedWriter 创建 LimitedWriter。
func NewLimitedWriter(w io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{w: w, limit: limit}
}

// Write 写入 p, 超限后静默丢弃。
func (lw *LimitedWriter) Write(p []byte) (int, error) {
	remain := lw.limit - lw.written
	if remain <= 0 {
		lw.dropped = lw.dropped || len(p) > 0
		return len(p), nil // 静默丢弃, 对调用方透明
	}
	if len(p) > remain {
		n, err := lw.w.Write(p[:remain])
		lw.written += n
		lw.dropped = true
		if err != nil {
			return n, err
		}
		return len(p), nil // 截断部分同样静默丢弃
	}
	n, err := lw.w.Write(p)
	lw.written += n
	return n, err
}

// Overflow 返回写入是否已超出限制 (后续写入被静默丢弃)。
func (lw *LimitedWriter) Overflow() bool { return lw.dropped }

// Written 返回实际已写入的字节数。
func (lw *LimitedWriter) Written() int { return lw.written }
