package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"settlement-core/internal/chainsync"
)

// SyncOptions configure a one-off chain sync.
type SyncOptions struct {
	// FromBlock replays from the given block instead of the stored cursor.
	FromBlock *uint64
}

// Sync runs one chain sync pass, or a replay when FromBlock is set.
func (a *App) Sync(ctx context.Context, out io.Writer, opts SyncOptions) error {
	ctx, cancel := withSignals(ctx)
	defer cancel()

	e, err := a.open(ctx, needs{chain: true})
	if err != nil {
		return err
	}
	defer e.Close()

	syncer, err := a.newSyncer(e)
	if err != nil {
		return err
	}

	run := syncer.RunOnce
	if opts.FromBlock != nil {
		from := *opts.FromBlock
		a.Logger.Warn().Uint64("from_block", from).Msg("replaying events; already applied logs are skipped")
		run = func(ctx context.Context) (chainsync.Report, error) { return syncer.Replay(ctx, from) }
	}
	report, err := run(ctx)
	fmt.Fprintf(out, "blocks %d-%d  logs=%d applied=%d skipped=%d failed=%d  (%s)\n",
		report.From, report.To, report.Logs, report.Applied, report.Skipped, report.Failed, report.Duration.Round(time.Millisecond))
	return err
}

// IngestOptions configure a one-off ingestion tick.
type IngestOptions struct {
	FixtureDays int
}

// Ingest fetches pending results once and, when FixtureDays > 0, refreshes
// upcoming fixtures for the cycle starter.
func (a *App) Ingest(ctx context.Context, out io.Writer, opts IngestOptions) error {
	ctx, cancel := withSignals(ctx)
	defer cancel()

	e, err := a.open(ctx, needs{})
	if err != nil {
		return err
	}
	defer e.Close()

	worker := a.newIngestWorker(e)
	if opts.FixtureDays > 0 {
		n, err := worker.SyncFixtures(ctx, opts.FixtureDays)
		if err != nil {
			return fmt.Errorf("sync fixtures: %w", err)
		}
		fmt.Fprintf(out, "fixtures upserted: %d\n", n)
	}

	report, err := worker.RunOnce(ctx)
	fmt.Fprintf(out, "scanned=%d inserted=%d existing=%d pending=%d problems=%d failed=%d  (%s)\n",
		report.Scanned, report.Inserted, report.Existing, report.Pending, report.Problems, report.Failed, report.Duration.Round(time.Millisecond))
	return err
}
