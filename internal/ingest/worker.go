package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"settlement-core/internal/metrics"
	"settlement-core/internal/outcome"
	"settlement-core/internal/provider"
	"settlement-core/internal/provider/football"
	"settlement-core/internal/storage"
)

// Problem kinds written to fixture_result_problems.
const (
	ProblemAbandoned    = "abandoned"
	ProblemInvalidScore = "invalid_score"
	ProblemOther        = "other"
)

// ResultSource is the football provider as seen by the worker.
type ResultSource interface {
	FetchFixtureResults(ctx context.Context, ids []int64) ([]football.Result, error)
	FetchFixturesByDate(ctx context.Context, day time.Time) ([]football.Fixture, error)
}

// Store is the part of storage owned by the worker. It is the only writer of fixture results.
type Store interface {
	UpsertFixtures(ctx context.Context, fixtures []storage.Fixture) (int64, error)
	ListFixturesAwaitingResult(ctx context.Context, kickoffBefore time.Time, limit int) ([]storage.Fixture, error)
	InsertFixtureResult(ctx context.Context, result storage.FixtureResult) (bool, error)
	RecordResultProblem(ctx context.Context, problem storage.ResultProblem, status string) error
}

// Options tune the worker.
type Options struct {
	MinKickoffAge  time.Duration
	BatchSize      int
	Concurrency    int
	ScanLimit      int
	FixtureDays    int
	// FixtureRefresh is the minimum gap between fixture syncs run from Tick.
	FixtureRefresh time.Duration
	Clock          func() time.Time
	Metrics        *metrics.Metrics
}

// Report summarises one ingestion tick.
type Report struct {
	RunID     string
	Scanned   int
	Inserted  int
	Existing  int
	Pending   int
	Problems  int
	Failed    int
	StartedAt time.Time
	Duration  time.Duration
}

// Worker fetches results for fixtures whose kickoff is in the recent past and
// stores them with every canonical outcome computed once.
type Worker struct {
	source ResultSource
	store  Store
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	lastFixtureSync time.Time
}

// NewWorker constructs the ingestion worker.
func NewWorker(source ResultSource, store Store, opts Options, logger zerolog.Logger) *Worker {
	if opts.MinKickoffAge <= 0 {
		opts.MinKickoffAge = 30 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = 500
	}
	if opts.FixtureRefresh <= 0 {
		opts.FixtureRefresh = time.Hour
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Worker{
		source: source,
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "ingestion").Logger(),
		now:    now,
	}
}

// Tick refreshes upcoming fixtures at most once per FixtureRefresh and then
// runs one ingestion pass.
func (w *Worker) Tick(ctx context.Context) error {
	var syncErr error
	if w.opts.FixtureDays > 0 && w.fixturesDue() {
		if _, syncErr = w.SyncFixtures(ctx, w.opts.FixtureDays); syncErr == nil {
			w.lastFixtureSync = w.now()
		}
	}
	_, err := w.RunOnce(ctx)
	return errors.Join(syncErr, err)
}

func (w *Worker) fixturesDue() bool {
	return w.lastFixtureSync.IsZero() || w.now().Sub(w.lastFixtureSync) >= w.opts.FixtureRefresh
}

// RunOnce performs one ingestion pass. Provider failures are logged and left
// for the next tick; only storage failures are returned.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.NewString(), StartedAt: w.now()}
	logger := w.logger.With().Str("run_id", report.RunID).Logger()

	fixtures, err := w.store.ListFixturesAwaitingResult(ctx, report.StartedAt.Add(-w.opts.MinKickoffAge), w.opts.ScanLimit)
	if err != nil {
		return report, fmt.Errorf("list fixtures awaiting result: %w", err)
	}
	report.Scanned = len(fixtures)
	if len(fixtures) == 0 {
		return report, nil
	}

	ids := make([]int64, len(fixtures))
	for i, f := range fixtures {
		ids[i] = f.ID
	}

	var (
		mu        sync.Mutex
		storeErrs []error
	)
	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)

	for start := 0; start < len(ids); start += w.opts.BatchSize {
		batch := ids[start:min(start+w.opts.BatchSize, len(ids))]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results, fetchErr := w.source.FetchFixtureResults(ctx, batch)
			if fetchErr != nil {
				logger.Warn().Err(fetchErr).Int("batch", len(batch)).Bool("transient", provider.IsTransient(fetchErr)).Msg("fetch fixture results failed; retry next tick")
				mu.Lock()
				report.Failed += len(batch)
				mu.Unlock()
				return nil
			}
			for _, res := range results {
				status, storeErr := w.apply(ctx, res)
				mu.Lock()
				switch status {
				case statusInserted:
					report.Inserted++
				case statusExists:
					report.Existing++
				case statusPending:
					report.Pending++
				case statusProblem:
					report.Problems++
				case statusFailed:
					report.Failed++
					storeErrs = append(storeErrs, storeErr)
				}
				mu.Unlock()
				w.opts.Metrics.IncResult(status)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = w.now().Sub(report.StartedAt)
	logger.Info().
		Int("scanned", report.Scanned).
		Int("inserted", report.Inserted).
		Int("existing", report.Existing).
		Int("pending", report.Pending).
		Int("problems", report.Problems).
		Int("failed", report.Failed).
		Dur("elapsed", report.Duration).
		Msg("ingestion tick completed")

	return report, errors.Join(storeErrs...)
}

const (
	statusInserted = "inserted"
	statusExists   = "exists"
	statusPending  = "pending"
	statusProblem  = "problem"
	statusFailed   = "failed"
)

func (w *Worker) apply(ctx context.Context, res football.Result) (string, error) {
	logger := w.logger.With().Int64("fixture_id", res.FixtureID).Str("state", res.State).Logger()

	if res.Problem != nil {
		problem := storage.ResultProblem{
			FixtureID:  res.FixtureID,
			Kind:       problemKind(res.Problem),
			Detail:     res.Problem.Error(),
			ObservedAt: w.now(),
		}
		if err := w.store.RecordResultProblem(ctx, problem, res.State); err != nil {
			logger.Error().Err(err).Msg("failed to record result problem")
			return statusFailed, err
		}
		return statusProblem, nil
	}

	if res.FinishedAt == nil || res.FT == nil || res.HT == nil {
		return statusPending, nil
	}

	result := storage.FixtureResult{
		FixtureID:  res.FixtureID,
		FT:         *res.FT,
		HT:         *res.HT,
		AET:        res.AET,
		Penalties:  res.Penalties,
		Outcomes:   outcome.Compute(*res.FT, *res.HT),
		FinishedAt: *res.FinishedAt,
	}
	inserted, err := w.store.InsertFixtureResult(ctx, result)
	if err != nil {
		logger.Error().Err(err).Msg("failed to insert fixture result")
		return statusFailed, err
	}
	if !inserted {
		return statusExists, nil
	}
	logger.Info().
		Str("ft", res.FT.String()).
		Str("ht", res.HT.String()).
		Str("outcome_1x2", result.Outcomes.Result1X2).
		Msg("fixture result stored")
	return statusInserted, nil
}

func problemKind(err error) string {
	switch {
	case errors.Is(err, football.ErrAbandoned):
		return ProblemAbandoned
	case errors.Is(err, football.ErrInvalidScore):
		return ProblemInvalidScore
	}
	return ProblemOther
}

// SyncFixtures upserts fixtures for today and the following days so that
// results and Oddyssey slates have rows to attach to.
func (w *Worker) SyncFixtures(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = w.opts.FixtureDays
	}
	today := w.now().Truncate(24 * time.Hour)

	var total int64
	for d := 0; d <= days; d++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		day := today.AddDate(0, 0, d)
		fixtures, err := w.source.FetchFixturesByDate(ctx, day)
		if err != nil {
			w.logger.Warn().Err(err).Time("day", day).Msg("fetch fixtures by date failed")
			continue
		}
		rows := make([]storage.Fixture, 0, len(fixtures))
		for _, f := range fixtures {
			rows = append(rows, storage.Fixture{
				ID:         f.ID,
				HomeTeam:   f.HomeTeam,
				AwayTeam:   f.AwayTeam,
				LeagueID:   f.LeagueID,
				LeagueName: f.LeagueName,
				Kickoff:    f.Kickoff,
				Status:     f.Status,
				Odds: storage.FixtureOdds{
					Home:    f.OddsHome,
					Draw:    f.OddsDraw,
					Away:    f.OddsAway,
					Over25:  f.OddsOver,
					Under25: f.OddsUnder,
				},
			})
		}
		n, err := w.store.UpsertFixtures(ctx, rows)
		if err != nil {
			return total, fmt.Errorf("upsert fixtures for %s: %w", day.Format(time.DateOnly), err)
		}
		total += n
		w.logger.Info().Str("day", day.Format(time.DateOnly)).Int("fetched", len(fixtures)).Int64("upserted", n).Msg("fixtures synced")
	}
	return total, nil
}
