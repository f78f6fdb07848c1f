package main

import (
	"github.com/spf13/cobra"

	"github.com/multi-agent/answer-stream/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending session log migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
			cfg.MigrationsDir = dir
		}
		ctx := cmd.Context()
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		return database.Migrate(ctx, pool, cfg.MigrationsDir)
	},
}

func init() {
	migrateCmd.Flags().String("dir", "", "migrations directory (overrides MIGRATIONS_DIR)")
	rootCmd.AddCommand(migrateCmd)
}
