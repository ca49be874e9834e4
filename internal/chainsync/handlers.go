package chainsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlement-core/internal/chain"
	"settlement-core/internal/outcome"
	"settlement-core/internal/storage"
)

// prepare performs the chain reads an event needs and returns the storage
// writes to run inside the event's transaction.
func (s *Syncer) prepare(ctx context.Context, ev any, meta logMeta) (func(storage.MirrorTx) error, error) {
	dec := s.opts.TokenDecimals

	switch e := ev.(type) {
	case *chain.PoolCreated:
		pool := s.poolFromEvent(e, meta)
		return func(tx storage.MirrorTx) error { return tx.InsertPool(ctx, pool) }, nil

	case *chain.BetPlaced:
		bet := storage.Bet{
			TxHash:       meta.txHash,
			LogIndex:     meta.index,
			PoolID:       e.PoolID,
			Bettor:       e.Bettor.Hex(),
			Amount:       chain.FromWei(e.Amount, dec),
			IsForOutcome: e.IsForOutcome,
			BlockNumber:  meta.block,
			BlockTime:    meta.at,
		}
		return func(tx storage.MirrorTx) error { return tx.InsertBet(ctx, bet) }, nil

	case *chain.LiquidityAdded:
		lq := storage.Liquidity{
			TxHash:      meta.txHash,
			LogIndex:    meta.index,
			PoolID:      e.PoolID,
			Provider:    e.Provider.Hex(),
			Amount:      chain.FromWei(e.Amount, dec),
			BlockNumber: meta.block,
			BlockTime:   meta.at,
		}
		return func(tx storage.MirrorTx) error { return tx.InsertLiquidity(ctx, lq) }, nil

	case *chain.PoolSettled:
		at := e.Timestamp
		if at.IsZero() {
			at = meta.at
		}
		st := storage.Settled{Result: e.Result, CreatorSideWon: e.CreatorSideWon, TxHash: meta.txHash, At: at}
		return func(tx storage.MirrorTx) error { return tx.RecordPoolSettled(ctx, e.PoolID, st) }, nil

	case *chain.PoolRefunded:
		st := storage.Refunded{TxHash: meta.txHash, At: meta.at}
		return func(tx storage.MirrorTx) error { return tx.RecordPoolRefunded(ctx, e.PoolID, st) }, nil

	case *chain.CycleStarted:
		cycle, err := s.cycleFromEvent(ctx, e, meta)
		if err != nil {
			return nil, err
		}
		return func(tx storage.MirrorTx) error { return tx.UpsertCycle(ctx, cycle) }, nil

	case *chain.SlipPlaced:
		slip, err := s.slipFromEvent(ctx, e, meta)
		if err != nil {
			return nil, err
		}
		return func(tx storage.MirrorTx) error { return tx.InsertSlip(ctx, slip) }, nil

	case *chain.CycleResolved:
		prize := chain.FromWei(e.PrizePool, dec)
		return func(tx storage.MirrorTx) error {
			return tx.RecordCycleResolved(ctx, e.CycleID, prize, meta.txHash, meta.at)
		}, nil
	}
	return nil, fmt.Errorf("no handler for %T", ev)
}

// poolFromEvent cleans the market id and parses the predicted outcome once;
// the parsed family is stored next to the raw string.
func (s *Syncer) poolFromEvent(e *chain.PoolCreated, meta logMeta) storage.Pool {
	predicted := outcome.FromBytes32(e.PredictedOutcome)
	pool := storage.Pool{
		ID:                  e.PoolID,
		Creator:             e.Creator.Hex(),
		MarketID:            outcome.CleanMarketID(e.MarketID),
		Category:            outcome.NormalizeCategory(e.Category),
		PredictedOutcome:    predicted,
		OracleType:          e.OracleType,
		EventStart:          e.EventStart,
		EventEnd:            e.EventEnd,
		ArbitrationDeadline: e.ArbitrationDeadline,
		CreatorStake:        chain.FromWei(e.CreatorStake, s.opts.TokenDecimals),
		CreatedBlock:        meta.block,
		CreatedAt:           meta.at,
	}
	if family, err := outcome.Parse(predicted); err == nil {
		pool.Family = &family
	} else {
		s.logger.Warn().Err(err).Int64("pool_id", e.PoolID).Str("predicted_outcome", predicted).Msg("predicted outcome matches no market family")
	}
	return pool
}

func (s *Syncer) cycleFromEvent(ctx context.Context, e *chain.CycleStarted, meta logMeta) (storage.Cycle, error) {
	cycle := storage.Cycle{
		ID:          e.CycleID,
		EndTime:     e.EndTime,
		PrizePool:   chain.FromWei(e.PrizePool, s.opts.TokenDecimals),
		StartTxHash: meta.txHash,
		CreatedAt:   meta.at,
	}
	if s.cycles == nil {
		return cycle, nil
	}

	onchain, err := s.cycles.GetDailyMatches(ctx, e.CycleID)
	if err != nil {
		return storage.Cycle{}, fmt.Errorf("read cycle %d matches: %w", e.CycleID, err)
	}
	cycle.Matches = make([]storage.CycleMatch, 0, len(onchain))
	for _, m := range onchain {
		cycle.Matches = append(cycle.Matches, storage.CycleMatch{
			FixtureID: int64(m.Id),
			Kickoff:   time.Unix(int64(m.StartTime), 0).UTC(),
			OddsHome:  m.OddsHome,
			OddsDraw:  m.OddsDraw,
			OddsAway:  m.OddsAway,
			OddsOver:  m.OddsOver,
			OddsUnder: m.OddsUnder,
		})
	}
	if day, ok := cycleDay(cycle.Matches); ok {
		cycle.Date = &day
	}
	return cycle, nil
}

// cycleDay is the UTC calendar day of the earliest kickoff.
func cycleDay(matches []storage.CycleMatch) (time.Time, bool) {
	if len(matches) == 0 {
		return time.Time{}, false
	}
	kickoffs := make([]time.Time, len(matches))
	for i, m := range matches {
		kickoffs[i] = m.Kickoff
	}
	sort.Slice(kickoffs, func(i, j int) bool { return kickoffs[i].Before(kickoffs[j]) })
	first := kickoffs[0].UTC()
	return time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, time.UTC), true
}

func (s *Syncer) slipFromEvent(ctx context.Context, e *chain.SlipPlaced, meta logMeta) (storage.Slip, error) {
	slip := storage.Slip{
		ID:       e.SlipID,
		CycleID:  e.CycleID,
		Player:   e.Player.Hex(),
		PlacedAt: meta.at,
		TxHash:   meta.txHash,
	}
	if s.cycles == nil {
		return slip, nil
	}

	onchain, err := s.cycles.GetSlip(ctx, e.SlipID)
	if err != nil {
		return storage.Slip{}, fmt.Errorf("read slip %d: %w", e.SlipID, err)
	}
	if onchain.PlacedAt != nil && onchain.PlacedAt.Sign() > 0 {
		slip.PlacedAt = time.Unix(onchain.PlacedAt.Int64(), 0).UTC()
	}
	slip.Predictions = make([]storage.SlipPrediction, 0, len(onchain.Predictions))
	for _, p := range onchain.Predictions {
		label, ok := chain.SelectionLabel(p.Selection)
		if !ok {
			label = common.Hash(p.Selection).Hex()
		}
		slip.Predictions = append(slip.Predictions, storage.SlipPrediction{
			MatchID:   int64(p.MatchId),
			BetType:   p.BetType,
			Selection: label,
			Odds:      p.SelectedOdd,
		})
	}
	return slip, nil
}
