package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/multi-agent/answer-stream/internal/session"
	"github.com/multi-agent/answer-stream/internal/timeline"
	apperrors "github.com/multi-agent/answer-stream/pkg/errors"
)

var (
	askMode      string
	askElaborate bool
	askJSON      bool
)

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Ask one question and print the streamed answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askMode, "mode", "", "agent mode (defaults to AGENT_MODE_DEFAULT)")
	askCmd.Flags().BoolVar(&askElaborate, "elaborate", false, "request an elaborated answer")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the final timeline snapshot as JSON")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ctrl := newController(cfg, nil)
	defer ctrl.Close()

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	p := &contentPrinter{w: out}
	if !askJSON {
		ctrl.OnTimelineChange(p.onSnapshot)
	}
	ctrl.OnNotice(func(n session.Notice) {
		fmt.Fprintf(errOut, "\n[%s] %s\n", n.Class, n.Message)
	})

	changed := make(chan struct{}, 1)
	ctrl.OnTimelineChange(func(timeline.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	if _, err := ctrl.Start(ctx, strings.Join(args, " "), session.StartOptions{
		AgentMode:   askMode,
		IsElaborate: askElaborate,
	}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = ctrl.Cancel()
			ctrl.Wait()
			return ctx.Err()
		case <-changed:
		}
		if _, ok := ctrl.Active(); !ok {
			break
		}
	}
	ctrl.Wait()

	snap := ctrl.Snapshot()
	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
	}
	if len(snap.Turns) == 0 {
		return apperrors.New("answerctl.ask", "timeline is empty")
	}
	turn := snap.Turns[len(snap.Turns)-1]
	if !askJSON {
		printSummary(out, turn)
	}
	if turn.Error {
		return apperrors.Newf("answerctl.ask", "turn failed: %s", turn.ErrorClass)
	}
	return nil
}

// contentPrinter 把最后一个 turn 的回答增量写到终端。
type contentPrinter struct {
	mu       sync.Mutex
	w        io.Writer
	revision uint64
	printed  int
}

func (p *contentPrinter) onSnapshot(snap timeline.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snap.Revision <= p.revision || len(snap.Turns) == 0 {
		return
	}
	p.revision = snap.Revision
	turn := snap.Turns[len(snap.Turns)-1]
	content := turn.Response.Content
	if len(content) <= p.printed {
		return
	}
	fmt.Fprint(p.w, content[p.printed:])
	p.printed = len(content)
}

func printSummary(w io.Writer, turn timeline.Turn) {
	fmt.Fprintln(w)
	if len(turn.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for i, src := range turn.Sources {
			fmt.Fprintf(w, "  [%d] %s %s\n", i+1, src.Title, src.URL)
		}
	}
	if len(turn.RelatedQueries) > 0 {
		fmt.Fprintln(w, "\nRelated:")
		for _, q := range turn.RelatedQueries {
			fmt.Fprintf(w, "  - %s\n", q)
		}
	}
	if turn.ResponseTime != "" {
		fmt.Fprintf(w, "\n(%s)\n", turn.ResponseTime)
	}
}
