// cmd/answerctl — 命令行入口: ask / bridge / replay / migrate / sessions。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/multi-agent/answer-stream/internal/config"
	"github.com/multi-agent/answer-stream/internal/session"
	"github.com/multi-agent/answer-stream/pkg/logger"
)

var (
	cfg *config.Config

	flagUpstream string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:               "answerctl",
	Short:             "Stream answers from an SSE upstream and bridge the timeline to renderers",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagUpstream, "upstream", "", "upstream base URL (overrides UPSTREAM_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer logger.ShutdownFileHandler()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// setup 加载配置并初始化日志, 命令行参数优先于环境变量。
func setup(cmd *cobra.Command, _ []string) error {
	cfg = config.Load()
	if flagUpstream != "" {
		cfg.UpstreamBaseURL = flagUpstream
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	logger.Init(cfg.AppEnv)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir); err != nil {
			return err
		}
	}
	logger.SetLevel(cfg.LogLevel)
	return nil
}

// newController 按配置组装控制器; rec 可为 nil。
func newController(c *config.Config, rec session.Recorder) *session.Controller {
	return session.New(controllerOptions(c, rec))
}

func controllerOptions(c *config.Config, rec session.Recorder) session.Options {
	return session.Options{
		Transport:         session.NewHTTPTransport(c.StreamURL(), c.StopURL(), c.ConnectTimeout()),
		IdleTimeout:       c.IdleTimeout(),
		StopTimeout:       c.StopTimeout(),
		CoalesceThreshold: c.StreamCoalesceThreshold,
		MinOverlap:        c.ResearchMinOverlap,
		AgentModeDefault:  c.AgentModeDefault,
		Timezone:          c.Timezone,
		RealtimeInfo:      c.RealtimeInfo,
		Recorder:          rec,
	}
}

func keepalive(c *config.Config) time.Duration {
	return time.Duration(c.BridgeKeepaliveSec) * time.Second
}
