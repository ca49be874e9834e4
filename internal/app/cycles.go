package app

import (
	"context"
	"fmt"
	"io"
	"time"
)

// StartCycle starts the Oddyssey cycle for day.
func (a *App) StartCycle(ctx context.Context, out io.Writer, day time.Time) error {
	ctx, cancel := withSignals(ctx)
	defer cancel()

	e, err := a.open(ctx, needs{signer: true})
	if err != nil {
		return err
	}
	defer e.Close()

	contract, err := a.requireOddyssey(e)
	if err != nil {
		return err
	}
	cycle, err := a.newStarter(e, contract).StartCycle(ctx, day)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "cycle %d started for %s, ends %s, tx %s\n", cycle.ID, dayOf(cycle.Date), cycle.EndTime.Format(time.RFC3339), cycle.StartTxHash)
	for i, m := range cycle.Matches {
		fmt.Fprintf(out, "%2d. fixture %d  %s  1=%d X=%d 2=%d O=%d U=%d\n",
			i+1, m.FixtureID, m.Kickoff.Format(time.RFC3339), m.OddsHome, m.OddsDraw, m.OddsAway, m.OddsOver, m.OddsUnder)
	}
	return nil
}

// ResolveCycles runs one resolver pass.
func (a *App) ResolveCycles(ctx context.Context, out io.Writer) error {
	ctx, cancel := withSignals(ctx)
	defer cancel()

	e, err := a.open(ctx, needs{signer: true})
	if err != nil {
		return err
	}
	defer e.Close()

	contract, err := a.requireOddyssey(e)
	if err != nil {
		return err
	}
	report, err := a.newResolver(e, contract).RunOnce(ctx)
	fmt.Fprintf(out, "resolved=%v waiting=%v slips_evaluated=%d score_mismatches=%d\n",
		report.Resolved, report.Waiting, report.SlipsEvaluated, report.Mismatches)
	return err
}

// Monitor runs one cycle monitor pass and exits non-zero when issues are found.
func (a *App) Monitor(ctx context.Context, out io.Writer) error {
	e, err := a.open(ctx, needs{})
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := a.newMonitor(e).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "missing_today=%t overdue=%v unevaluated=%v\n", report.MissingToday, report.Overdue, report.Unevaluated)
	if !report.Healthy() {
		return fmt.Errorf("cycle issues found")
	}
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context, out io.Writer) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	for _, name := range applied {
		fmt.Fprintf(out, "applied %s\n", name)
	}
	if err == nil && len(applied) == 0 {
		fmt.Fprintln(out, "schema up to date")
	}
	return err
}

func dayOf(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return day(*t)
}
