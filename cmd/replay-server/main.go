// cmd/replay-server — 脚本化上游 SSE 服务入口 (本地联调用)。
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/multi-agent/answer-stream/internal/config"
	"github.com/multi-agent/answer-stream/internal/replay"
	"github.com/multi-agent/answer-stream/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.AppEnv)
	logger.SetLevel(cfg.LogLevel)

	lib, err := replay.LoadLibrary(cfg.ReplayScriptDir)
	if err != nil {
		logger.Fatal("load replay scripts failed", logger.FieldError, err)
	}
	srv, err := replay.NewServer(replay.Options{Library: lib, FramesPerSec: cfg.ReplayFramesPerSec})
	if err != nil {
		logger.Fatal("replay init failed", logger.FieldError, err)
	}
	logger.Info("replay scripts loaded", logger.FieldCount, len(lib), "scripts", lib.Names())

	if err := srv.ListenAndServe(ctx, cfg.ReplayAddr); err != nil {
		logger.Fatal("replay server failed", logger.FieldError, err)
	}
}
