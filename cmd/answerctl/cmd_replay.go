package main

import (
	"github.com/spf13/cobra"

	"github.com/multi-agent/answer-stream/internal/replay"
	"github.com/multi-agent/answer-stream/pkg/logger"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Serve scripted SSE answer streams as a local upstream",
	RunE: func(cmd *cobra.Command, _ []string) error {
		srv, err := newReplayServer()
		if err != nil {
			return err
		}
		return srv.ListenAndServe(cmd.Context(), cfg.ReplayAddr)
	},
}

var (
	replayAddr    string
	replayScripts string
	replayFPS     float64
)

func init() {
	replayCmd.Flags().StringVar(&replayAddr, "addr", "", "listen address (overrides REPLAY_ADDR)")
	replayCmd.Flags().StringVar(&replayScripts, "scripts", "", "directory of *.sse scripts (overrides REPLAY_SCRIPT_DIR)")
	replayCmd.Flags().Float64Var(&replayFPS, "fps", -1, "frames per second, 0 = unpaced (overrides REPLAY_FRAMES_PER_SEC)")
	rootCmd.AddCommand(replayCmd)
}

func newReplayServer() (*replay.Server, error) {
	if replayAddr != "" {
		cfg.ReplayAddr = replayAddr
	}
	if replayScripts != "" {
		cfg.ReplayScriptDir = replayScripts
	}
	if replayFPS >= 0 {
		cfg.ReplayFramesPerSec = replayFPS
	}

	lib, err := replay.LoadLibrary(cfg.ReplayScriptDir)
	if err != nil {
		return nil, err
	}
	logger.Info("replay scripts loaded", logger.FieldCount, len(lib), "scripts", lib.Names())
	return replay.NewServer(replay.Options{Library: lib, FramesPerSec: cfg.ReplayFramesPerSec})
}
