package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/cartograph/internal/debug"
	"github.com/steveyegge/cartograph/internal/storage/sqlite"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <run-id>",
	Short: "Reset failed outbox events to pending for a run",
	Long: `Marks a run's failed outbox events pending again so the next publisher
poll retries them. Use after fixing whatever made them fail; events
keep their original ordering class.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := args[0]
		store, err := sqlite.New(rootCtx, cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		n, err := store.RequeueFailed(rootCtx, runID)
		if err != nil {
			return err
		}
		debug.PrintNormal("Requeued %d failed events for run %s\n", n, runID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(requeueCmd)
}
