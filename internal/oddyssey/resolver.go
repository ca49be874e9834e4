package oddyssey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"settlement-core/internal/alerting"
	"settlement-core/internal/broadcast"
	"settlement-core/internal/chain"
	"settlement-core/internal/metrics"
	"settlement-core/internal/storage"
)

// ResolverOptions tune cycle resolution.
type ResolverOptions struct {
	// ResolveDelay is the wait after the last kickoff before resolving.
	ResolveDelay        time.Duration
	EvaluationBatchSize int
	VerifyOnChainScores bool
	Clock               func() time.Time
	Metrics             *metrics.Metrics
}

// ResolveReport summarises one resolver pass.
type ResolveReport struct {
	Resolved       []int64
	Waiting        []int64
	SlipsEvaluated int
	Mismatches     int
}

// Resolver resolves ended cycles and evaluates their slips.
type Resolver struct {
	cycles    storage.CycleStore
	fixtures  FixtureReader
	contract  Contract
	notifier  alerting.Notifier
	publisher broadcast.Publisher
	opts      ResolverOptions
	logger    zerolog.Logger
	now       func() time.Time
}

// NewResolver wires a resolver. notifier and publisher may be nil.
func NewResolver(cycles storage.CycleStore, fixtures FixtureReader, contract Contract, notifier alerting.Notifier, publisher broadcast.Publisher, opts ResolverOptions, logger zerolog.Logger) *Resolver {
	if opts.ResolveDelay <= 0 {
		opts.ResolveDelay = 15 * time.Minute
	}
	if opts.EvaluationBatchSize <= 0 {
		opts.EvaluationBatchSize = 50
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Resolver{
		cycles:    cycles,
		fixtures:  fixtures,
		contract:  contract,
		notifier:  notifier,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With().Str("component", "oddyssey_resolver").Logger(),
		now:       now,
	}
}

// Tick runs one pass for the scheduler.
func (r *Resolver) Tick(ctx context.Context) error {
	_, err := r.RunOnce(ctx)
	return err
}

// RunOnce resolves every ended cycle whose ten results are final, then
// evaluates the slips of resolved cycles that still have unevaluated ones.
func (r *Resolver) RunOnce(ctx context.Context) (ResolveReport, error) {
	var report ResolveReport
	now := r.now()

	cycles, err := r.cycles.ListUnresolvedCycles(ctx, now)
	if err != nil {
		return report, fmt.Errorf("list unresolved cycles: %w", err)
	}

	var errs []error
	for _, cycle := range cycles {
		if ctx.Err() != nil {
			break
		}
		resolved, err := r.resolveCycle(ctx, cycle, now)
		if err != nil {
			r.logger.Error().Err(err).Int64("cycle_id", cycle.ID).Msg("resolve cycle failed")
			errs = append(errs, err)
			continue
		}
		if !resolved {
			report.Waiting = append(report.Waiting, cycle.ID)
			continue
		}
		report.Resolved = append(report.Resolved, cycle.ID)
	}

	pending, err := r.cycles.CountUnevaluatedSlips(ctx)
	if err != nil {
		return report, errors.Join(append(errs, fmt.Errorf("count unevaluated slips: %w", err))...)
	}
	for cycleID := range pending {
		if ctx.Err() != nil {
			break
		}
		evaluated, mismatches, err := r.EvaluateCycle(ctx, cycleID)
		report.SlipsEvaluated += evaluated
		report.Mismatches += mismatches
		if err != nil {
			r.logger.Error().Err(err).Int64("cycle_id", cycleID).Msg("slip evaluation failed")
			errs = append(errs, err)
		}
	}

	if len(report.Resolved) > 0 || report.SlipsEvaluated > 0 {
		r.logger.Info().
			Ints64("resolved", report.Resolved).
			Ints64("waiting", report.Waiting).
			Int("slips_evaluated", report.SlipsEvaluated).
			Int("score_mismatches", report.Mismatches).
			Msg("resolver pass completed")
	}
	return report, errors.Join(errs...)
}

// resolveCycle reports false while results are incomplete or too fresh.
// Cycles are never resolved partially.
func (r *Resolver) resolveCycle(ctx context.Context, cycle storage.Cycle, now time.Time) (bool, error) {
	logger := r.logger.With().Int64("cycle_id", cycle.ID).Logger()
	if len(cycle.Matches) != chain.CycleMatches {
		return false, fmt.Errorf("cycle %d has %d matches", cycle.ID, len(cycle.Matches))
	}

	var lastKickoff time.Time
	for _, m := range cycle.Matches {
		if m.Kickoff.After(lastKickoff) {
			lastKickoff = m.Kickoff
		}
	}
	if now.Before(lastKickoff.Add(r.opts.ResolveDelay)) {
		logger.Debug().Time("last_kickoff", lastKickoff).Msg("cycle not ready")
		return false, nil
	}

	results, missing, err := r.cycleResults(ctx, cycle)
	if err != nil {
		return false, err
	}
	if len(missing) > 0 {
		logger.Info().Ints64("missing_results", missing).Msg("cycle waiting for results")
		return false, nil
	}

	if !cycle.ReadyForResolution {
		if err := r.cycles.MarkCycleReady(ctx, cycle.ID); err != nil {
			return false, err
		}
	}

	tx, err := r.contract.ResolveDailyCycle(ctx, cycle.ID, results, func(h common.Hash) {
		logger.Info().Str("tx_hash", h.Hex()).Msg("resolveDailyCycle sent")
	})
	if err != nil && !isAlreadyResolved(err) {
		return false, fmt.Errorf("resolve daily cycle %d: %w", cycle.ID, err)
	}
	txHash := ""
	if err == nil {
		txHash = tx.Hash.Hex()
	}
	if err := r.cycles.MarkCycleResolved(ctx, cycle.ID, txHash, now); err != nil {
		return false, err
	}
	r.opts.Metrics.IncCyclesResolved()
	logger.Info().Str("tx_hash", txHash).Msg("cycle resolved")

	if r.publisher != nil {
		id := cycle.ID
		if err := r.publisher.Publish(ctx, broadcast.Event{Type: broadcast.EventCycleResolved, CycleID: &id, TxHash: txHash, At: now}); err != nil {
			logger.Warn().Err(err).Msg("publish cycle event failed")
		}
	}
	return true, nil
}

// cycleResults builds the contract results in match order and lists the
// fixtures whose results are missing.
func (r *Resolver) cycleResults(ctx context.Context, cycle storage.Cycle) ([chain.CycleMatches]chain.OddysseyResult, []int64, error) {
	var results [chain.CycleMatches]chain.OddysseyResult
	ids := cycle.FixtureIDs()
	stored, err := r.fixtures.GetFixtureResults(ctx, ids)
	if err != nil {
		return results, nil, fmt.Errorf("load cycle %d results: %w", cycle.ID, err)
	}
	var missing []int64
	for i, id := range ids {
		fr, ok := stored[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		res, err := ResultFor(fr.Outcomes)
		if err != nil {
			return results, nil, fmt.Errorf("fixture %d: %w", id, err)
		}
		results[i] = res
	}
	return results, missing, nil
}

// EvaluateCycle scores every unevaluated slip of a resolved cycle, stores
// the scores and triggers on-chain evaluation in batches. It returns the
// number of slips evaluated on-chain and the number of score mismatches.
func (r *Resolver) EvaluateCycle(ctx context.Context, cycleID int64) (int, int, error) {
	logger := r.logger.With().Int64("cycle_id", cycleID).Logger()
	cycle, err := r.cycles.GetCycle(ctx, cycleID)
	if err != nil {
		return 0, 0, err
	}
	if cycle == nil || !cycle.IsResolved {
		return 0, 0, fmt.Errorf("cycle %d is not resolved", cycleID)
	}
	results, missing, err := r.cycleResults(ctx, *cycle)
	if err != nil {
		return 0, 0, err
	}
	if len(missing) > 0 {
		return 0, 0, fmt.Errorf("cycle %d resolved without results for %v", cycleID, missing)
	}

	slips, err := r.cycles.ListSlips(ctx, cycleID)
	if err != nil {
		return 0, 0, err
	}
	matchIDs := cycle.FixtureIDs()
	scored := make([]storage.Slip, 0, len(slips))
	var pending []int64
	for _, slip := range slips {
		correct, score := EvaluateSlip(slip.Predictions, matchIDs, results[:])
		slip.CorrectCount, slip.FinalScore = &correct, score
		scored = append(scored, slip)
		if slip.IsEvaluated {
			continue
		}
		if err := r.cycles.SaveSlipEvaluation(ctx, slip.ID, correct, score); err != nil {
			return 0, 0, err
		}
		pending = append(pending, slip.ID)
	}

	evaluated := 0
	for start := 0; start < len(pending); start += r.opts.EvaluationBatchSize {
		end := min(start+r.opts.EvaluationBatchSize, len(pending))
		batch := pending[start:end]
		tx, err := r.contract.EvaluateMultipleSlips(ctx, batch, nil)
		if err != nil {
			return evaluated, 0, fmt.Errorf("evaluate slips %v: %w", batch, err)
		}
		if err := r.cycles.MarkSlipsEvaluated(ctx, batch, tx.Hash.Hex()); err != nil {
			return evaluated, 0, err
		}
		evaluated += len(batch)
		r.opts.Metrics.AddSlipsEvaluated(len(batch))
		logger.Info().Int("slips", len(batch)).Str("tx_hash", tx.Hash.Hex()).Msg("slips evaluated on-chain")
	}

	mismatches := 0
	if r.opts.VerifyOnChainScores && evaluated > 0 {
		mismatches = r.verifyScores(ctx, cycleID, scored, pending)
	}

	for rank, s := range Leaderboard(scored) {
		logger.Info().
			Int("rank", rank+1).
			Int64("slip_id", s.ID).
			Str("player", s.Player).
			Int("correct", *s.CorrectCount).
			Str("score", s.FinalScore.String()).
			Msg("leaderboard")
	}
	return evaluated, mismatches, nil
}

// verifyScores reads back getSlip for freshly evaluated slips and alerts
// when the contract disagrees with the off-chain score.
func (r *Resolver) verifyScores(ctx context.Context, cycleID int64, scored []storage.Slip, ids []int64) int {
	want := make(map[int64]storage.Slip, len(scored))
	for _, s := range scored {
		want[s.ID] = s
	}
	mismatches := 0
	for _, id := range ids {
		onchain, err := r.contract.GetSlip(ctx, id)
		if err != nil {
			r.logger.Warn().Err(err).Int64("slip_id", id).Msg("read back slip failed")
			continue
		}
		expected := want[id]
		if onchain.FinalScore != nil && onchain.FinalScore.Cmp(expected.FinalScore) == 0 && int(onchain.CorrectCount) == *expected.CorrectCount {
			continue
		}
		mismatches++
		onchainScore := "0"
		if onchain.FinalScore != nil {
			onchainScore = onchain.FinalScore.String()
		}
		r.logger.Error().
			Int64("cycle_id", cycleID).
			Int64("slip_id", id).
			Str("offchain_score", expected.FinalScore.String()).
			Str("onchain_score", onchainScore).
			Int("offchain_correct", *expected.CorrectCount).
			Uint8("onchain_correct", onchain.CorrectCount).
			Msg("slip score mismatch")
		r.notify(ctx, alerting.Notification{
			Severity:  alerting.SeverityCritical,
			Component: "oddyssey",
			Subject:   fmt.Sprintf("slip %d score mismatch", id),
			Fields: map[string]string{
				"cycle_id":       fmt.Sprint(cycleID),
				"slip_id":        fmt.Sprint(id),
				"offchain_score": expected.FinalScore.String(),
				"onchain_score":  onchainScore,
			},
			Time: r.now(),
		})
	}
	return mismatches
}

func (r *Resolver) notify(ctx context.Context, note alerting.Notification) {
	if r.notifier == nil {
		return
	}
	status := "sent"
	if err := r.notifier.Notify(ctx, note); err != nil {
		status = "failed"
		r.logger.Warn().Err(err).Str("subject", note.Subject).Msg("alert delivery failed")
	}
	r.opts.Metrics.IncAlert(note.Component, status)
}

func isAlreadyResolved(err error) bool {
	var rev *chain.RevertError
	if !errors.As(err, &rev) {
		return false
	}
	return strings.Contains(strings.ToLower(rev.Reason), "already resolved")
}
