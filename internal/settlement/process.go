package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlement-core/internal/chain"
	"settlement-core/internal/outcome"
	"settlement-core/internal/storage"
)

type poolResult struct {
	PoolOutcome
	submitted bool
}

func (r poolResult) skip(reason string, err error) poolResult {
	r.Status, r.Reason, r.Err = StatusSkipped, reason, err
	return r
}

func (r poolResult) fail(reason string, err error) poolResult {
	r.Status, r.Reason, r.Err = StatusFailed, reason, err
	return r
}

// processPool walks one pool through
// NeedsFixture → HasResult → OutcomeDecided → OutcomeOnChain → Settled | Refunded | Skipped.
func (p *Pipeline) processPool(ctx context.Context, sp storage.SettleablePool) poolResult {
	pool := sp.Pool
	res := poolResult{PoolOutcome: PoolOutcome{PoolID: pool.ID, MarketID: pool.MarketID}}

	pred, err := prediction(pool)
	if err != nil {
		return res.skip(ReasonUnknownFamily, err)
	}
	res.Family = string(pred.Family)
	if !pred.Canonical {
		return res.skip(ReasonFormatMismatch, fmt.Errorf("%w: %q", outcome.ErrFormatMismatch, pred.Raw))
	}

	decided, reason, err := p.decide(ctx, sp, pred)
	if err != nil {
		return res.skip(reason, err)
	}
	res.Outcome = decided

	settleWith, submitTx, submitted, reason, err := p.ensureOutcome(ctx, pool, pred, decided)
	res.submitted = submitted
	res.TxHash = submitTx
	if err != nil {
		if reason == ReasonOutcomeConflict || reason == ReasonSubmissionPending {
			return res.skip(reason, err)
		}
		return res.fail(reason, err)
	}
	res.Outcome = settleWith
	if _, ok := pool.State.(storage.OutcomeSubmitted); !ok && !submitted {
		if err := p.store.SetPoolState(ctx, pool.ID, storage.OutcomeSubmitted{TxHash: submitTx}); err != nil && !errors.Is(err, storage.ErrPoolImmutable) {
			return res.fail(ReasonStorage, err)
		}
	}

	return p.finish(ctx, pool, pred, res)
}

// prediction returns the family parsed at ingest, parsing the raw string when
// the mirror row predates family parsing.
func prediction(pool storage.Pool) (outcome.Prediction, error) {
	if pool.Family != nil && pool.Family.Family != outcome.FamilyUnknown {
		return *pool.Family, nil
	}
	return outcome.Parse(pool.PredictedOutcome)
}

// decide computes the canonical outcome string for the pool.
func (p *Pipeline) decide(ctx context.Context, sp storage.SettleablePool, pred outcome.Prediction) (string, string, error) {
	pool := sp.Pool

	if pred.Family.IsFootball() {
		if pool.Category != outcome.CategoryFootball {
			return "", ReasonFixtureMismatch, fmt.Errorf("%w: football prediction on %q pool", ErrDataIntegrity, pool.Category)
		}
		if sp.Result == nil {
			return "", ReasonNoResult, errors.New("no fixture result joined")
		}
		if pool.FixtureID == nil || strconv.FormatInt(*pool.FixtureID, 10) != pool.MarketID || sp.Result.FixtureID != *pool.FixtureID {
			return "", ReasonFixtureMismatch, fmt.Errorf("%w: market id %q is not fixture %d", ErrDataIntegrity, pool.MarketID, sp.Result.FixtureID)
		}
		decided, err := outcome.Decide(pred, sp.Result.Outcomes)
		if err != nil {
			return "", decisionReason(err), err
		}
		return decided, "", nil
	}

	if pred.Family != outcome.FamilyCrypto {
		return "", ReasonUnknownFamily, outcome.ErrUnknownFamily
	}
	if pool.Category != outcome.CategoryCrypto {
		return "", ReasonFixtureMismatch, fmt.Errorf("%w: crypto prediction on %q pool", ErrDataIntegrity, pool.Category)
	}
	if p.now().Before(pool.EventEnd) {
		return "", ReasonEventNotEnded, fmt.Errorf("event ends at %s", pool.EventEnd.Format(time.RFC3339))
	}
	if p.prices == nil {
		return "", ReasonPriceUnavailable, errors.New("no price source configured")
	}
	price, err := p.prices.SpotPrice(ctx, pred.Symbol)
	if err != nil {
		return "", ReasonPriceUnavailable, err
	}
	decided, err := outcome.DecideCrypto(pred, price.USD)
	if err != nil {
		return "", decisionReason(err), err
	}
	p.logger.Debug().Int64("pool_id", pool.ID).Str("symbol", pred.Symbol).Str("spot", price.USD.String()).Str("target", pred.TargetPrice).Msg("crypto outcome decided")
	return decided, "", nil
}

func decisionReason(err error) string {
	switch {
	case errors.Is(err, outcome.ErrFormatMismatch):
		return ReasonFormatMismatch
	case errors.Is(err, outcome.ErrOutcomeUnavailable):
		return ReasonOutcomeMissing
	}
	return ReasonUnknownFamily
}

// ensureOutcome makes sure the oracle holds an outcome for the market and
// returns the outcome the pool settles with. The contract is read before every
// write; the submission table is the secondary guard.
//
// Football pools on one fixture share a market id and therefore one oracle
// slot, so a stored outcome of another family does not block settlement.
func (p *Pipeline) ensureOutcome(ctx context.Context, pool storage.Pool, pred outcome.Prediction, decided string) (string, string, bool, string, error) {
	var current chain.Outcome
	err := p.retry(ctx, "getOutcome", pool.ID, func() error {
		var readErr error
		current, readErr = p.oracle.GetOutcome(ctx, pool.MarketID)
		return readErr
	})
	if err != nil {
		return "", "", false, ReasonChainRead, err
	}

	sub, err := p.store.GetOracleSubmission(ctx, pool.MarketID)
	if err != nil {
		return "", "", false, ReasonStorage, err
	}

	if current.IsSet {
		settleWith, err := p.acceptStored(pool, pred, decided, storedOutcome(current))
		if err != nil {
			return "", "", false, ReasonOutcomeConflict, err
		}
		if sub != nil {
			return settleWith, sub.TxHash, false, "", nil
		}
		return settleWith, "", false, "", nil
	}
	if sub != nil {
		return "", sub.TxHash, false, ReasonSubmissionPending, fmt.Errorf("submission %s recorded but oracle reports no outcome", sub.TxHash)
	}

	var (
		tx        chain.TxResult
		stored    string
		confirmed bool
		attempt   int
	)
	err = p.retry(ctx, "submitOutcome", pool.ID, func() error {
		attempt++
		if attempt > 1 {
			// the previous attempt may have been mined after all
			again, readErr := p.oracle.GetOutcome(ctx, pool.MarketID)
			if readErr == nil && again.IsSet {
				confirmed, stored = true, storedOutcome(again)
				return nil
			}
		}
		var sendErr error
		tx, sendErr = p.oracle.SubmitOutcome(ctx, pool.MarketID, []byte(decided), p.submitObserver(ctx, pool))
		return sendErr
	})
	if err != nil {
		p.opts.Metrics.IncOracleSubmit("failed")
		return "", txHex(tx.Hash), false, ReasonSubmitFailed, err
	}
	if confirmed && tx.Hash == (common.Hash{}) {
		p.opts.Metrics.IncOracleSubmit("confirmed_late")
		settleWith, err := p.acceptStored(pool, pred, decided, stored)
		if err != nil {
			return "", "", false, ReasonOutcomeConflict, err
		}
		return settleWith, "", false, "", nil
	}

	p.opts.Metrics.IncOracleSubmit("ok")
	if err := p.store.InsertOracleSubmission(ctx, storage.OracleSubmission{
		MarketID:    pool.MarketID,
		Outcome:     []byte(decided),
		TxHash:      tx.Hash.Hex(),
		BlockNumber: tx.BlockNumber,
		SubmittedAt: p.now(),
	}); err != nil {
		// the contract remains the primary guard; the next pass reads it back
		p.logger.Error().Err(err).Int64("pool_id", pool.ID).Str("tx_hash", tx.Hash.Hex()).Msg("record oracle submission failed")
	}
	return decided, tx.Hash.Hex(), true, "", nil
}

// acceptStored decides which outcome settles the pool once the oracle slot is
// already set. Football pools settle with their own decided outcome. Crypto
// pools settle with the stored outcome when it is the prediction or its
// opposite; anything else is a conflict.
func (p *Pipeline) acceptStored(pool storage.Pool, pred outcome.Prediction, decided, stored string) (string, error) {
	if stored == decided || pred.Family.IsFootball() {
		if stored != decided {
			p.logger.Debug().Int64("pool_id", pool.ID).Str("market_id", pool.MarketID).Str("oracle_outcome", stored).Str("decided", decided).Msg("oracle slot shared with another market family")
		}
		return decided, nil
	}
	opposite, _ := pred.Opposite()
	if stored == pred.Raw || stored == opposite {
		p.logger.Warn().Int64("pool_id", pool.ID).Str("oracle_outcome", stored).Str("decided", decided).Msg("settling with the outcome already on the oracle")
		return stored, nil
	}
	return "", fmt.Errorf("%w: oracle has %q, decided %q", ErrOutcomeConflict, stored, decided)
}

func storedOutcome(o chain.Outcome) string {
	return strings.TrimRight(string(o.Data), "\x00")
}

// submitObserver records the submission hash on the pool before the receipt
// wait so that a shutdown never loses track of an in-flight transaction.
func (p *Pipeline) submitObserver(ctx context.Context, pool storage.Pool) chain.HashObserver {
	return func(hash common.Hash) {
		p.logger.Info().Int64("pool_id", pool.ID).Str("market_id", pool.MarketID).Str("tx_hash", hash.Hex()).Msg("outcome submission sent")
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.store.SetPoolState(writeCtx, pool.ID, storage.OutcomeSubmitted{TxHash: hash.Hex()}); err != nil && !errors.Is(err, storage.ErrPoolImmutable) {
			p.logger.Warn().Err(err).Int64("pool_id", pool.ID).Msg("record submission hash failed")
		}
	}
}

func (p *Pipeline) txObserver(pool storage.Pool, method string) chain.HashObserver {
	return func(hash common.Hash) {
		p.logger.Info().Int64("pool_id", pool.ID).Str("method", method).Str("tx_hash", hash.Hex()).Msg("transaction sent")
	}
}

// finish reads pool stats and either refunds an empty pool after its
// arbitration deadline or settles it with the decided outcome.
func (p *Pipeline) finish(ctx context.Context, pool storage.Pool, pred outcome.Prediction, res poolResult) poolResult {
	var stats chain.PoolStats
	err := p.retry(ctx, "getPoolStats", pool.ID, func() error {
		var readErr error
		stats, readErr = p.oracle.PoolStats(ctx, pool.ID)
		return readErr
	})
	if err != nil {
		return res.fail(ReasonChainRead, err)
	}

	if stats.IsSettled {
		return p.markSettledFromChain(ctx, pool, res)
	}

	if stats.TotalBettorStake.IsZero() {
		now := p.now()
		if now.Before(pool.ArbitrationDeadline) {
			return res.skip(ReasonAwaitingDeadline, fmt.Errorf("no bettor stake; refund opens at %s", pool.ArbitrationDeadline.Format(time.RFC3339)))
		}
		var tx chain.TxResult
		err := p.retry(ctx, "refundPool", pool.ID, func() error {
			var sendErr error
			tx, sendErr = p.oracle.RefundPool(ctx, pool.ID, p.txObserver(pool, "refundPool"))
			return sendErr
		})
		if err != nil && !chain.IsAlreadyRefunded(err) {
			return res.fail(ReasonRefundFailed, err)
		}
		res.TxHash = txHex(tx.Hash)
		if err := p.store.SetPoolState(ctx, pool.ID, storage.Refunded{TxHash: res.TxHash, At: now}); err != nil && !errors.Is(err, storage.ErrPoolImmutable) {
			return res.fail(ReasonStorage, err)
		}
		res.Status = StatusRefunded
		return res
	}

	encoded, err := outcome.ToBytes32(res.Outcome)
	if err != nil {
		return res.fail(ReasonFormatMismatch, err)
	}
	var settled chain.SettleResult
	err = p.retry(ctx, "settlePool", pool.ID, func() error {
		var sendErr error
		settled, sendErr = p.oracle.SettlePool(ctx, pool.ID, encoded, p.txObserver(pool, "settlePool"))
		return sendErr
	})
	if err != nil {
		if chain.IsAlreadySettled(err) {
			return p.markSettledFromChain(ctx, pool, res)
		}
		return res.fail(ReasonSettleFailed, err)
	}

	st := storage.Settled{
		Result:         encoded,
		CreatorSideWon: pred.Matches(res.Outcome),
		TxHash:         txHex(settled.Hash),
		At:             p.now(),
	}
	if ev := settled.Event; ev != nil {
		st.Result, st.CreatorSideWon = ev.Result, ev.CreatorSideWon
		if !ev.Timestamp.IsZero() {
			st.At = ev.Timestamp
		}
	}
	res.TxHash = st.TxHash
	if err := p.store.SetPoolState(ctx, pool.ID, st); err != nil && !errors.Is(err, storage.ErrPoolImmutable) {
		return res.fail(ReasonStorage, err)
	}
	res.Status = StatusSettled
	return res
}

// markSettledFromChain mirrors a settlement made by an earlier pass or by
// another actor, reading the result back from pools(uint256).
func (p *Pipeline) markSettledFromChain(ctx context.Context, pool storage.Pool, res poolResult) poolResult {
	view, err := p.oracle.PoolOnChain(ctx, pool.ID)
	if err != nil {
		return res.fail(ReasonChainRead, err)
	}
	at := view.ResultTimestamp
	if at.IsZero() {
		at = p.now()
	}
	st := storage.Settled{Result: view.Result, CreatorSideWon: view.CreatorSideWon, At: at}
	if err := p.store.SetPoolState(ctx, pool.ID, st); err != nil && !errors.Is(err, storage.ErrPoolImmutable) {
		return res.fail(ReasonStorage, err)
	}
	if got := outcome.FromBytes32(view.Result); got != "" && got != res.Outcome {
		p.logger.Warn().Int64("pool_id", pool.ID).Str("onchain_result", got).Str("decided", res.Outcome).Msg("pool settled on-chain with a different result")
	}
	res.Status = StatusSettled
	res.TxHash = ""
	return res
}
