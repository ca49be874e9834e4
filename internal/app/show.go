package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"settlement-core/internal/storage"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	State string
	Limit int
}

// ShowPools prints mirrored pools, newest first.
func (a *App) ShowPools(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	pools, err := store.ListPools(ctx, storage.PoolFilter{State: opts.State, Limit: opts.Limit})
	if err != nil {
		return err
	}
	if len(pools) == 0 {
		fmt.Fprintln(out, "no pools found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Pool\tCategory\tMarket\tPredicted\tEvent end (UTC)\tBettor stake\tState\tNote")
	for _, p := range pools {
		note := ""
		if p.RejectedReason != nil {
			note = sanitizeInline(*p.RejectedReason)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID,
			p.Category,
			p.MarketID,
			sanitizeInline(p.PredictedOutcome),
			p.EventEnd.UTC().Format(time.RFC3339),
			formatDecimal(p.TotalBettorStake, 2),
			stateName(p.State),
			note,
		)
	}
	return w.Flush()
}

// ShowCycles prints recent Oddyssey cycles.
func (a *App) ShowCycles(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	cycles, err := store.ListCycles(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		return errors.New("no cycles found")
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Cycle\tDay\tEnd (UTC)\tMatches\tPrize pool\tReady\tResolved")
	for _, c := range cycles {
		resolved := "no"
		if c.IsResolved && c.ResolvedAt != nil {
			resolved = c.ResolvedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%t\t%s\n",
			c.ID,
			dayOf(c.Date),
			c.EndTime.UTC().Format(time.RFC3339),
			len(c.Matches),
			formatDecimal(c.PrizePool, 2),
			c.ReadyForResolution,
			resolved,
		)
	}
	return w.Flush()
}

func stateName(s storage.PoolState) string {
	if s == nil {
		return "-"
	}
	return s.Name()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	return strings.ReplaceAll(cleaned, "\r", " ")
}
