package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var startCycleDay string

var startCycleCmd = &cobra.Command{
	Use:   "start-cycle",
	Short: "Start the Oddyssey cycle for a day",
	RunE: func(cmd *cobra.Command, args []string) error {
		day := time.Now().UTC().AddDate(0, 0, 1)
		if startCycleDay != "" {
			parsed, err := time.Parse(time.DateOnly, startCycleDay)
			if err != nil {
				return fmt.Errorf("invalid --day value: %w", err)
			}
			day = parsed
		}
		return getApp().StartCycle(cmd.Context(), cmd.OutOrStdout(), day)
	},
}

var resolveCyclesCmd = &cobra.Command{
	Use:   "resolve-cycles",
	Short: "Resolve ended cycles and evaluate their slips",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ResolveCycles(cmd.Context(), cmd.OutOrStdout())
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Check cycle health once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Monitor(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	startCycleCmd.Flags().StringVar(&startCycleDay, "day", "", "Cycle day as YYYY-MM-DD (defaults to tomorrow, UTC)")
}
