package cli

import (
	"github.com/spf13/cobra"

	"settlement-core/internal/app"
)

var (
	syncFromBlock    uint64
	ingestFixtureDay int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror contract events once, or replay from a block",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SyncOptions{}
		if cmd.Flags().Changed("from-block") {
			from := syncFromBlock
			opts.FromBlock = &from
		}
		return getApp().Sync(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch pending fixture results once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Ingest(cmd.Context(), cmd.OutOrStdout(), app.IngestOptions{FixtureDays: ingestFixtureDay})
	},
}

func init() {
	syncCmd.Flags().Uint64Var(&syncFromBlock, "from-block", 0, "Replay events from this block instead of the stored cursor")
	ingestCmd.Flags().IntVar(&ingestFixtureDay, "fixtures-days", 0, "Also refresh upcoming fixtures for this many days")
}
