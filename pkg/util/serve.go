// serve.go — HTTP 服务启动与优雅关闭。
package util

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	apperrors "github.com/multi-agent/answer-stream/pkg/errors"
	"github.com/multi-agent/answer-stream/pkg/logger"
)

// ShutdownGrace 关闭时给活跃连接的处理时间。
const ShutdownGrace = 5 * time.Second

// ListenAndServe 在 addr 上启动 handler, ctx 结束后优雅关闭。
//
// 正常关闭返回 nil。
func ListenAndServe(ctx context.Context, name, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	SafeGo(func() {
		<-ctx.Done()
		logger.Info(name+": shutting down", "ctx_err", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(name+": shutdown error", logger.FieldError, err)
			return
		}
		logger.Info(name + ": shutdown completed")
	})

	logger.Info(name+": listening", logger.FieldAddr, addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return apperrors.Wrap(err, name+".ListenAndServe", "listen")
	}
	return nil
}
