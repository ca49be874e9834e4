package cli

import (
	"github.com/spf13/cobra"

	"settlement-core/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate-outcome <predicted outcome>",
	Short: "Decide an outcome from a score or price without touching storage or the chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := simulateOpts
		opts.Predicted = args[0]
		return getApp().SimulateOutcome(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.FullTime, "ft", "", "90-minute score, e.g. 2-1")
	simulateCmd.Flags().StringVar(&simulateOpts.HalfTime, "ht", "", "Half-time score, e.g. 1-0")
	simulateCmd.Flags().StringVar(&simulateOpts.Spot, "spot", "", "Crypto spot price in USD (fetched when omitted)")
}
