package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/cartograph/internal/storage/sqlite"
	"github.com/steveyegge/cartograph/internal/types"
)

type runStatus struct {
	RunID              string `json:"run_id"`
	Files              int    `json:"files"`
	GlobalPhaseStarted bool   `json:"global_phase_started"`
	EvidenceExpected   int    `json:"evidence_expected"`
	EvidenceActual     int    `json:"evidence_actual"`
}

type statusReport struct {
	Outbox map[types.OutboxStatus]int `json:"outbox"`
	Runs   []runStatus                `json:"runs"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show outbox and per-run pipeline state",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlite.New(rootCtx, cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		counts, err := store.OutboxCounts(rootCtx)
		if err != nil {
			return err
		}
		runIDs, err := store.ActiveRunIDs(rootCtx)
		if err != nil {
			return err
		}

		report := statusReport{Outbox: counts}
		for _, runID := range runIDs {
			files, err := store.FileCount(rootCtx, runID)
			if err != nil {
				return err
			}
			started, err := store.GlobalPhaseStarted(rootCtx, runID)
			if err != nil {
				return err
			}
			evidence, err := store.EvidenceCounts(rootCtx, runID)
			if err != nil {
				return err
			}
			rs := runStatus{RunID: runID, Files: files, GlobalPhaseStarted: started}
			for _, ec := range evidence {
				rs.EvidenceExpected += ec.ExpectedCount
				rs.EvidenceActual += ec.ActualCount
			}
			report.Runs = append(report.Runs, rs)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		fmt.Printf("Outbox: %d pending, %d published, %d failed\n",
			report.Outbox[types.OutboxPending],
			report.Outbox[types.OutboxPublished],
			report.Outbox[types.OutboxFailed])
		for _, rs := range report.Runs {
			phase := "per-file"
			if rs.GlobalPhaseStarted {
				phase = "global"
			}
			fmt.Printf("Run %s: %d files, phase %s, evidence %d/%d\n",
				rs.RunID, rs.Files, phase, rs.EvidenceActual, rs.EvidenceExpected)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
