package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/multi-agent/answer-stream/internal/bridge"
	"github.com/multi-agent/answer-stream/internal/database"
	"github.com/multi-agent/answer-stream/internal/session"
	"github.com/multi-agent/answer-stream/internal/store"
	"github.com/multi-agent/answer-stream/pkg/logger"
)

var (
	bridgeAddr       string
	bridgeWithReplay bool
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve the timeline to renderers over REST, SSE and WebSocket",
	RunE:  runBridge,
}

func init() {
	bridgeCmd.Flags().StringVar(&bridgeAddr, "addr", "", "listen address (overrides BRIDGE_ADDR)")
	bridgeCmd.Flags().BoolVar(&bridgeWithReplay, "with-replay", false, "also start the replay upstream and stream from it")
	rootCmd.AddCommand(bridgeCmd)
}

func runBridge(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if bridgeAddr != "" {
		cfg.BridgeAddr = bridgeAddr
	}
	if bridgeWithReplay {
		cfg.UpstreamBaseURL = "http://" + cfg.ReplayAddr
	}

	var (
		rec  session.Recorder
		logs bridge.SessionLog
	)
	if cfg.SessionLogEnabled() {
		pool, err := openSessionLog(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		st := store.NewSessionLogStore(pool)
		rec, logs = st, st
	} else {
		logger.Info("session log disabled (SESSION_LOG_DSN not set)")
	}

	ctrl := newController(cfg, rec)
	defer ctrl.Close()

	srv := bridge.NewServer(ctrl, bridge.Options{
		AllowedOrigins: cfg.BridgeAllowedOrigins,
		Keepalive:      keepalive(cfg),
		SessionLog:     logs,
	})

	g, gctx := errgroup.WithContext(ctx)
	if bridgeWithReplay {
		rs, err := newReplayServer()
		if err != nil {
			return err
		}
		g.Go(func() error { return rs.ListenAndServe(gctx, cfg.ReplayAddr) })
	}
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.BridgeAddr) })

	logger.Info("bridge started",
		logger.FieldAddr, cfg.BridgeAddr,
		logger.FieldURL, cfg.StreamURL(),
		"session_log", cfg.SessionLogEnabled())
	return g.Wait()
}

// openSessionLog 连接会话日志库并执行迁移。
func openSessionLog(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
