package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"settlement-core/internal/outcome"
	"settlement-core/internal/storage"
)

// ExportOptions hold parameters for exporting settlement history.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	PNGPath string
	CSVPath string
	MaxDays int
}

// Export writes settled and refunded pools as CSV and/or a daily PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.AddDate(0, 0, -a.Config.ResolveMaxDays(opts.MaxDays))
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	pools, err := store.ListSettledBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(pools) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no settled pools in export window")
		return nil
	}
	a.Logger.Info().Int("pools", len(pools)).Msg("exporting settlement history")

	if opts.CSVPath != "" {
		if err := writePoolsCSV(opts.CSVPath, pools); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeDailyPNG(opts.PNGPath, dailyTotals(pools)); err != nil {
			return err
		}
	}
	return nil
}

type settlementRow struct {
	result  string
	won     string
	txHash  string
	at      time.Time
	settled bool
}

func rowOf(p storage.Pool) settlementRow {
	switch st := p.State.(type) {
	case storage.Settled:
		return settlementRow{
			result:  outcome.FromBytes32(st.Result),
			won:     strconv.FormatBool(st.CreatorSideWon),
			txHash:  st.TxHash,
			at:      st.At,
			settled: true,
		}
	case storage.Refunded:
		return settlementRow{txHash: st.TxHash, at: st.At}
	}
	return settlementRow{}
}

func writePoolsCSV(path string, pools []storage.Pool) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"pool_id", "market_id", "category", "predicted_outcome", "state", "result", "creator_side_won", "bettor_stake", "tx_hash", "at"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, p := range pools {
		row := rowOf(p)
		record := []string{
			strconv.FormatInt(p.ID, 10),
			p.MarketID,
			p.Category,
			p.PredictedOutcome,
			stateName(p.State),
			row.result,
			row.won,
			p.TotalBettorStake.String(),
			row.txHash,
			row.at.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

type dayTotal struct {
	day      time.Time
	settled  float64
	refunded float64
	stake    decimal.Decimal
}

func dailyTotals(pools []storage.Pool) []dayTotal {
	byDay := make(map[time.Time]*dayTotal)
	for _, p := range pools {
		row := rowOf(p)
		if row.at.IsZero() {
			continue
		}
		d := row.at.UTC().Truncate(24 * time.Hour)
		t, ok := byDay[d]
		if !ok {
			t = &dayTotal{day: d}
			byDay[d] = t
		}
		if row.settled {
			t.settled++
			t.stake = t.stake.Add(p.TotalBettorStake)
		} else {
			t.refunded++
		}
	}
	out := make([]dayTotal, 0, len(byDay))
	for _, t := range byDay {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].day.Before(out[j].day) })
	return out
}

func writeDailyPNG(path string, totals []dayTotal) error {
	if len(totals) < 2 {
		return errors.New("need at least two days of history to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(totals))
	settled := make([]float64, len(totals))
	refunded := make([]float64, len(totals))
	stake := make([]float64, len(totals))
	for i, t := range totals {
		x[i] = t.day
		settled[i] = t.settled
		refunded[i] = t.refunded
		stake[i] = t.stake.InexactFloat64()
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Pools per day",
			ValueFormatter: countFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Settled bettor stake",
			ValueFormatter: countFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Settled", XValues: x, YValues: settled},
			chart.TimeSeries{Name: "Refunded", XValues: x, YValues: refunded},
			chart.TimeSeries{Name: "Stake", XValues: x, YValues: stake, YAxis: chart.YAxisSecondary},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
