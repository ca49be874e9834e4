package oddyssey

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"settlement-core/internal/chain"
	"settlement-core/internal/metrics"
	"settlement-core/internal/storage"
)

// EndTimeLead separates the cycle end time from its earliest kickoff.
const EndTimeLead = 300 * time.Second

var (
	// ErrCycleExists is returned when the day already has a cycle.
	ErrCycleExists = errors.New("oddyssey: cycle already exists for day")
	// ErrNotEnoughFixtures is returned when fewer than ten fixtures qualify.
	ErrNotEnoughFixtures = errors.New("oddyssey: not enough eligible fixtures")
)

// Contract is the cycle contract surface; satisfied by *chain.Oddyssey.
type Contract interface {
	StartDailyCycle(ctx context.Context, matches [chain.CycleMatches]chain.OddysseyMatch, observe chain.HashObserver) (int64, chain.TxResult, error)
	ResolveDailyCycle(ctx context.Context, cycleID int64, results [chain.CycleMatches]chain.OddysseyResult, observe chain.HashObserver) (chain.TxResult, error)
	EvaluateMultipleSlips(ctx context.Context, slipIDs []int64, observe chain.HashObserver) (chain.TxResult, error)
	GetSlip(ctx context.Context, slipID int64) (chain.OddysseySlip, error)
}

var _ Contract = (*chain.Oddyssey)(nil)

// FixtureReader is the part of the fixture store the cycle components read.
type FixtureReader interface {
	ListFixturesBetween(ctx context.Context, from, to time.Time, leagues []int64) ([]storage.Fixture, error)
	GetFixtureResults(ctx context.Context, ids []int64) (map[int64]storage.FixtureResult, error)
}

// StarterOptions tune fixture selection.
type StarterOptions struct {
	// EarliestKickoffHour is the first UTC hour a selected fixture may kick off.
	EarliestKickoffHour int
	// PopularLeagues are the eligible leagues in priority order.
	PopularLeagues []int64
	Clock          func() time.Time
	Metrics        *metrics.Metrics
}

// Starter publishes the next daily cycle.
type Starter struct {
	cycles   storage.CycleStore
	fixtures FixtureReader
	contract Contract
	opts     StarterOptions
	logger   zerolog.Logger
	now      func() time.Time
}

// NewStarter wires a starter.
func NewStarter(cycles storage.CycleStore, fixtures FixtureReader, contract Contract, opts StarterOptions, logger zerolog.Logger) *Starter {
	if opts.EarliestKickoffHour <= 0 {
		opts.EarliestKickoffHour = 13
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Starter{
		cycles:   cycles,
		fixtures: fixtures,
		contract: contract,
		opts:     opts,
		logger:   logger.With().Str("component", "oddyssey_starter").Logger(),
		now:      now,
	}
}

// Tick starts the cycle of the day beginning nearest to now, so a run at
// 23:50 prepares tomorrow and a late run just after midnight still covers today.
func (s *Starter) Tick(ctx context.Context) error {
	day := s.now().Add(12 * time.Hour).Truncate(24 * time.Hour)
	_, err := s.StartCycle(ctx, day)
	if errors.Is(err, ErrCycleExists) {
		s.logger.Info().Str("day", day.Format(time.DateOnly)).Msg("cycle already started")
		return nil
	}
	return err
}

// StartCycle selects ten fixtures for day and publishes them on-chain.
func (s *Starter) StartCycle(ctx context.Context, day time.Time) (storage.Cycle, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	logger := s.logger.With().Str("day", day.Format(time.DateOnly)).Logger()

	existing, err := s.cycles.GetCycleByDate(ctx, day)
	if err != nil {
		return storage.Cycle{}, fmt.Errorf("look up cycle: %w", err)
	}
	if existing != nil {
		return *existing, fmt.Errorf("%w: %s is cycle %d", ErrCycleExists, day.Format(time.DateOnly), existing.ID)
	}

	selected, err := s.selectFixtures(ctx, day)
	if err != nil {
		return storage.Cycle{}, err
	}

	cycle, matches, err := buildCycle(day, selected)
	if err != nil {
		return storage.Cycle{}, err
	}
	if !cycle.EndTime.After(s.now()) {
		return storage.Cycle{}, fmt.Errorf("cycle end %s is already past", cycle.EndTime.Format(time.RFC3339))
	}

	cycleID, tx, err := s.contract.StartDailyCycle(ctx, matches, func(h common.Hash) {
		logger.Info().Str("tx_hash", h.Hex()).Msg("startDailyCycle sent")
	})
	if err != nil {
		return storage.Cycle{}, fmt.Errorf("start daily cycle: %w", err)
	}
	cycle.ID = cycleID
	cycle.StartTxHash = tx.Hash.Hex()
	cycle.CreatedAt = s.now()

	if err := s.cycles.SaveCycle(ctx, cycle); err != nil {
		// the chain sync mirrors CycleStarted, so the row is recovered on its next pass
		logger.Error().Err(err).Int64("cycle_id", cycleID).Msg("save started cycle failed")
		return cycle, fmt.Errorf("save cycle %d: %w", cycleID, err)
	}

	logger.Info().
		Int64("cycle_id", cycleID).
		Time("end_time", cycle.EndTime).
		Ints64("fixtures", cycle.FixtureIDs()).
		Str("tx_hash", cycle.StartTxHash).
		Msg("daily cycle started")
	return cycle, nil
}

// selectFixtures returns the ten fixtures of the slate: kickoff on day at or
// after the earliest hour, popular league, complete odds, ordered by league
// priority and then kickoff.
func (s *Starter) selectFixtures(ctx context.Context, day time.Time) ([]storage.Fixture, error) {
	from := day.Add(time.Duration(s.opts.EarliestKickoffHour) * time.Hour)
	to := day.Add(24 * time.Hour)
	candidates, err := s.fixtures.ListFixturesBetween(ctx, from, to, s.opts.PopularLeagues)
	if err != nil {
		return nil, fmt.Errorf("list fixtures: %w", err)
	}

	priority := make(map[int64]int, len(s.opts.PopularLeagues))
	for i, id := range s.opts.PopularLeagues {
		priority[id] = i
	}
	rank := func(f storage.Fixture) int {
		if p, ok := priority[f.LeagueID]; ok {
			return p
		}
		return len(priority)
	}

	now := s.now()
	eligible := make([]storage.Fixture, 0, len(candidates))
	for _, f := range candidates {
		if !f.Odds.Complete() || !f.Kickoff.Add(-EndTimeLead).After(now) {
			continue
		}
		if len(priority) > 0 {
			if _, ok := priority[f.LeagueID]; !ok {
				continue
			}
		}
		eligible = append(eligible, f)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra < rb
		}
		if !a.Kickoff.Equal(b.Kickoff) {
			return a.Kickoff.Before(b.Kickoff)
		}
		return a.ID < b.ID
	})

	if len(eligible) < chain.CycleMatches {
		return nil, fmt.Errorf("%w: %d of %d on %s", ErrNotEnoughFixtures, len(eligible), chain.CycleMatches, day.Format(time.DateOnly))
	}
	return eligible[:chain.CycleMatches], nil
}

// buildCycle converts the slate into the contract matches and checks that
// the end time precedes every kickoff.
func buildCycle(day time.Time, fixtures []storage.Fixture) (storage.Cycle, [chain.CycleMatches]chain.OddysseyMatch, error) {
	var matches [chain.CycleMatches]chain.OddysseyMatch
	if len(fixtures) != chain.CycleMatches {
		return storage.Cycle{}, matches, fmt.Errorf("%w: got %d fixtures", ErrNotEnoughFixtures, len(fixtures))
	}

	earliest := fixtures[0].Kickoff
	for _, f := range fixtures[1:] {
		if f.Kickoff.Before(earliest) {
			earliest = f.Kickoff
		}
	}
	endTime := earliest.Add(-EndTimeLead).UTC()

	cycle := storage.Cycle{Date: &day, EndTime: endTime, Matches: make([]storage.CycleMatch, 0, len(fixtures))}
	for i, f := range fixtures {
		if !f.Kickoff.After(endTime) {
			return storage.Cycle{}, matches, fmt.Errorf("fixture %d kicks off at %s, not after cycle end %s", f.ID, f.Kickoff, endTime)
		}
		odds, err := scaledOdds(f)
		if err != nil {
			return storage.Cycle{}, matches, err
		}
		matches[i] = chain.OddysseyMatch{
			Id:        uint64(f.ID),
			StartTime: uint64(f.Kickoff.Unix()),
			OddsHome:  odds[0],
			OddsDraw:  odds[1],
			OddsAway:  odds[2],
			OddsOver:  odds[3],
			OddsUnder: odds[4],
		}
		cycle.Matches = append(cycle.Matches, storage.CycleMatch{
			FixtureID: f.ID,
			Kickoff:   f.Kickoff.UTC(),
			OddsHome:  odds[0],
			OddsDraw:  odds[1],
			OddsAway:  odds[2],
			OddsOver:  odds[3],
			OddsUnder: odds[4],
		})
	}
	return cycle, matches, nil
}

func scaledOdds(f storage.Fixture) ([5]uint32, error) {
	var out [5]uint32
	for i, d := range []decimal.Decimal{f.Odds.Home, f.Odds.Draw, f.Odds.Away, f.Odds.Over25, f.Odds.Under25} {
		v := d.Mul(decimal.NewFromInt(OddsScale)).Round(0)
		if !v.IsPositive() || v.GreaterThan(decimal.NewFromInt(math.MaxUint32)) {
			return out, fmt.Errorf("fixture %d: odds %s out of range", f.ID, d)
		}
		out[i] = uint32(v.IntPart())
	}
	return out, nil
}
