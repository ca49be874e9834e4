package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"settlement-core/internal/app"
)

var (
	showLimit int
	showState string
)

var showCmd = &cobra.Command{
	Use:       "show pools|cycles",
	Short:     "Display mirrored pools or cycles",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"pools", "cycles"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			State: showState,
			Limit: showLimit,
		}
		if args[0] == "cycles" {
			return getApp().ShowCycles(cmd.Context(), cmd.OutOrStdout(), opts)
		}
		return getApp().ShowPools(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showState, "state", "", "Only pools in this state (active, awaiting_result, outcome_submitted, settled, refunded)")
}
