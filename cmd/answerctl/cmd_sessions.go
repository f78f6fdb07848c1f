package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/multi-agent/answer-stream/internal/database"
	"github.com/multi-agent/answer-stream/internal/store"
	"github.com/multi-agent/answer-stream/pkg/logger"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect the session log",
}

var (
	listQuery     store.SessionLogQuery
	listSince     time.Duration
	listRetryOnly bool
	cleanupDays   int
)

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, closeFn, err := openSessionStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		q := listQuery
		if listSince > 0 {
			q.Since = time.Now().Add(-listSince)
		}
		if listRetryOnly {
			retry := true
			q.IsRetry = &retry
		}
		rows, err := st.List(cmd.Context(), q)
		if err != nil {
			return err
		}
		return printSessions(cmd.OutOrStdout(), rows)
	},
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show one session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeFn, err := openSessionStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		row, err := st.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(row)
	},
}

var sessionsOutcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "List distinct session outcomes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, closeFn, err := openSessionStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		outcomes, err := st.Outcomes(cmd.Context())
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			fmt.Fprintln(cmd.OutOrStdout(), o)
		}
		return nil
	},
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete sessions older than the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, closeFn, err := openSessionStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := st.Cleanup(cmd.Context(), cleanupDays)
		if err != nil {
			return err
		}
		logger.Info("session log cleaned up", logger.FieldCount, n, "retention_days", cleanupDays)
		return nil
	},
}

func init() {
	f := sessionsListCmd.Flags()
	f.StringVar(&listQuery.ConversationID, "conversation", "", "filter by conversation id")
	f.StringVar(&listQuery.TurnID, "turn", "", "filter by turn id")
	f.StringVar(&listQuery.Outcome, "outcome", "", "filter by outcome")
	f.StringVar(&listQuery.Keyword, "keyword", "", "match session, turn or conversation id")
	f.DurationVar(&listSince, "since", 0, "only sessions started within this window")
	f.BoolVar(&listRetryOnly, "retries", false, "only retried sessions")
	f.IntVar(&listQuery.Limit, "limit", 50, "max rows")

	sessionsCleanupCmd.Flags().IntVar(&cleanupDays, "days", 30, "retention in days")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsGetCmd, sessionsOutcomesCmd, sessionsCleanupCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openSessionStore(cmd *cobra.Command) (*store.SessionLogStore, func(), error) {
	pool, err := database.NewPool(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return store.NewSessionLogStore(pool), pool.Close, nil
}

func printSessions(w io.Writer, rows []store.SessionLog) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSESSION\tTURN\tOUTCOME\tMODE\tRETRY\tFRAMES\tDURATION")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\t%d\t%s\n",
			r.StartedAt.Format(time.RFC3339), r.SessionID, r.TurnID, r.Outcome,
			r.AgentMode, r.IsRetry, r.Frames, time.Duration(r.DurationMS)*time.Millisecond)
	}
	return tw.Flush()
}
