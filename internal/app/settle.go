package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"settlement-core/internal/outcome"
)

// Settle runs one settlement pass and prints the per-pool report.
func (a *App) Settle(ctx context.Context, out io.Writer) error {
	ctx, cancel := withSignals(ctx)
	defer cancel()

	e, err := a.open(ctx, needs{signer: true})
	if err != nil {
		return err
	}
	defer e.Close()

	pipeline, err := a.newPipeline(e)
	if err != nil {
		return err
	}
	report, err := pipeline.ProcessAllPools(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "run %s: selected=%d settled=%d refunded=%d submitted=%d skipped=%d failed=%d (%s)\n",
		report.RunID, report.Selected, report.Settled, report.Refunded, report.Submitted, report.Skipped, report.Failed,
		report.Duration.Round(time.Millisecond))
	if len(report.Pools) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Pool\tMarket\tFamily\tOutcome\tStatus\tReason\tTx")
	for _, p := range report.Pools {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.PoolID, p.MarketID, orDash(p.Family), orDash(p.Outcome), p.Status, orDash(p.Reason), orDash(p.TxHash))
	}
	return w.Flush()
}

// SimulateOptions describe a dry-run outcome decision.
type SimulateOptions struct {
	Predicted string
	FullTime  string
	HalfTime  string
	// Spot is the crypto spot price; when empty it is fetched from the provider.
	Spot string
}

// SimulateOutcome decides the outcome of a prediction against a given score
// or price without touching storage or the chain.
func (a *App) SimulateOutcome(ctx context.Context, out io.Writer, opts SimulateOptions) error {
	pred, err := outcome.Parse(opts.Predicted)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "family:    %s\ncanonical: %t\n", pred.Family, pred.Canonical)

	var decided string
	if pred.Family == outcome.FamilyCrypto {
		spot, err := a.simulatedSpot(ctx, pred.Symbol, opts.Spot)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "spot:      %s\n", spot)
		decided, err = outcome.DecideCrypto(pred, spot)
		if err != nil {
			return err
		}
	} else {
		if opts.FullTime == "" {
			return errors.New("--ft is required for football predictions")
		}
		ft, err := parseScore(opts.FullTime)
		if err != nil {
			return fmt.Errorf("--ft: %w", err)
		}
		ht := outcome.Score{}
		if opts.HalfTime != "" {
			if ht, err = parseScore(opts.HalfTime); err != nil {
				return fmt.Errorf("--ht: %w", err)
			}
		}
		decided, err = outcome.Decide(pred, outcome.Compute(ft, ht))
		if err != nil {
			return err
		}
	}

	encoded, err := outcome.ToBytes32(decided)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "outcome:   %s\nbytes32:   %s\ncreator side wins: %t\n", decided, hexutil.Encode(encoded[:]), pred.Matches(decided))
	return nil
}

func (a *App) simulatedSpot(ctx context.Context, symbol, given string) (decimal.Decimal, error) {
	if given != "" {
		return decimal.NewFromString(given)
	}
	price, err := a.newCryptoAdapter().SpotPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return price.USD, nil
}

func parseScore(s string) (outcome.Score, error) {
	home, away, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return outcome.Score{}, fmt.Errorf("score %q must look like 2-1", s)
	}
	h, err := strconv.Atoi(strings.TrimSpace(home))
	if err != nil {
		return outcome.Score{}, err
	}
	w, err := strconv.Atoi(strings.TrimSpace(away))
	if err != nil {
		return outcome.Score{}, err
	}
	if h < 0 || w < 0 {
		return outcome.Score{}, fmt.Errorf("score %q is negative", s)
	}
	return outcome.Score{Home: h, Away: w}, nil
}
