package cmd

import (
	"fmt"
	"github.com/DocFoxHound/Beowulf-sub003/beowulf"
	"github.com/spf13/cobra"
	"log"
)

var (
	repairCmd = &cobra.Command{
		Use:   "repair [flags]",
		Short: "Runs a one-shot repair sweep over historical voice sessions",
		Long: "Scans every persisted voice session for unusable minute " +
			"counts and recomputes them from the best available timestamps. " +
			"Safe to re-run: already-valid records are untouched.",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := beowulf.New(cfg)
			if err != nil {
				log.Fatalf("error creating beowulf: %s", err.Error())
			}

			report, err := bot.RepairSessions(ctx)
			if err != nil {
				log.Fatalf("repair sweep failed: %s", err.Error())
			}
			fmt.Printf(
				"scanned=%d repaired=%d skipped=%d failed=%d\n",
				report.Scanned,
				report.Repaired,
				report.Skipped,
				report.Failed,
			)
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(repairCmd)
}
