package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Outcome is the guided oracle's stored answer for a market.
type Outcome struct {
	IsSet bool
	Data  []byte
}

// SettleResult is the outcome of a settlePool transaction.
type SettleResult struct {
	TxResult
	// Event is nil when the receipt carried no PoolSettled log.
	Event *PoolSettled
}

// OracleBotOptions parameterise the oracle bot facade.
type OracleBotOptions struct {
	Oracle         common.Address
	PoolCore       common.Address
	TokenDecimals  int32
	RequestTimeout time.Duration
}

// OracleBot reads and writes the guided oracle and the pool core contract
// on behalf of the oracle bot key.
type OracleBot struct {
	caller         Caller
	sender         Sender
	oracle         common.Address
	poolCore       common.Address
	tokenDecimals  int32
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// NewOracleBot builds the facade. sender may be nil for read-only use.
func NewOracleBot(caller Caller, sender Sender, opts OracleBotOptions, logger zerolog.Logger) (*OracleBot, error) {
	if opts.Oracle == (common.Address{}) {
		return nil, errors.New("guided oracle address not configured")
	}
	if opts.PoolCore == (common.Address{}) {
		return nil, errors.New("pool core address not configured")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.TokenDecimals == 0 {
		opts.TokenDecimals = 18
	}
	return &OracleBot{
		caller:         caller,
		sender:         sender,
		oracle:         opts.Oracle,
		poolCore:       opts.PoolCore,
		tokenDecimals:  opts.TokenDecimals,
		requestTimeout: opts.RequestTimeout,
		logger:         logger.With().Str("component", "oracle_bot").Logger(),
	}, nil
}

// GetOutcome reads getOutcome(marketId).
func (b *OracleBot) GetOutcome(ctx context.Context, marketID string) (Outcome, error) {
	var out struct {
		IsSet      bool
		ResultData []byte
	}
	if err := b.call(ctx, "getOutcome", b.oracle, &out, marketID); err != nil {
		return Outcome{}, err
	}
	return Outcome{IsSet: out.IsSet, Data: out.ResultData}, nil
}

// SubmitOutcome sends submitOutcome(marketId, resultData).
func (b *OracleBot) SubmitOutcome(ctx context.Context, marketID string, data []byte, observe HashObserver) (TxResult, error) {
	if b.sender == nil {
		return TxResult{}, errors.New("oracle bot is read-only")
	}
	payload, err := oracleABI.Pack("submitOutcome", marketID, data)
	if err != nil {
		return TxResult{}, fmt.Errorf("pack submitOutcome: %w", err)
	}
	return b.sender.Send(ctx, Call{Method: "submitOutcome", To: b.oracle, Data: payload}, observe)
}

// PoolOnChain reads pools(poolId).
func (b *OracleBot) PoolOnChain(ctx context.Context, poolID int64) (PoolOnChain, error) {
	return b.readPool(ctx, poolID)
}

// PoolStats reads getPoolStats(poolId).
func (b *OracleBot) PoolStats(ctx context.Context, poolID int64) (PoolStats, error) {
	var view poolStatsView
	if err := b.call(ctx, "getPoolStats", b.poolCore, &view, big.NewInt(poolID)); err != nil {
		return PoolStats{}, err
	}
	return PoolStats{
		TotalBettorStake:      FromWei(view.TotalBettorStake, b.tokenDecimals),
		TotalCreatorSideStake: FromWei(view.TotalCreatorSideStake, b.tokenDecimals),
		BettorCount:           view.BettorCount.Int64(),
		LPCount:               view.LpCount.Int64(),
		IsSettled:             view.IsSettled,
		EligibleForRefund:     view.EligibleForRefund,
	}, nil
}

// IsEligibleForRefund reads isEligibleForRefund(poolId).
func (b *OracleBot) IsEligibleForRefund(ctx context.Context, poolID int64) (bool, error) {
	var eligible bool
	if err := b.call(ctx, "isEligibleForRefund", b.poolCore, &eligible, big.NewInt(poolID)); err != nil {
		return false, err
	}
	return eligible, nil
}

// SettlePool forwards settlePool(poolId, outcome) to the pool core through
// the oracle's executeCall and decodes PoolSettled from the receipt.
func (b *OracleBot) SettlePool(ctx context.Context, poolID int64, outcome [32]byte, observe HashObserver) (SettleResult, error) {
	inner, err := PackSettlePool(poolID, outcome)
	if err != nil {
		return SettleResult{}, fmt.Errorf("pack settlePool: %w", err)
	}
	res, err := b.executeCall(ctx, "settlePool", inner, observe)
	if err != nil {
		return SettleResult{TxResult: res}, err
	}
	ev, err := findPoolSettled(res.Receipt, b.poolCore)
	if err != nil {
		b.logger.Warn().Err(err).Int64("pool_id", poolID).Str("tx_hash", res.Hash.Hex()).Msg("decode PoolSettled from receipt failed")
	}
	return SettleResult{TxResult: res, Event: ev}, nil
}

// RefundPool forwards refundPool(poolId) through executeCall.
func (b *OracleBot) RefundPool(ctx context.Context, poolID int64, observe HashObserver) (TxResult, error) {
	inner, err := PackRefundPool(poolID)
	if err != nil {
		return TxResult{}, fmt.Errorf("pack refundPool: %w", err)
	}
	return b.executeCall(ctx, "refundPool", inner, observe)
}

func (b *OracleBot) executeCall(ctx context.Context, method string, inner []byte, observe HashObserver) (TxResult, error) {
	if b.sender == nil {
		return TxResult{}, errors.New("oracle bot is read-only")
	}
	payload, err := oracleABI.Pack("executeCall", b.poolCore, inner)
	if err != nil {
		return TxResult{}, fmt.Errorf("pack executeCall: %w", err)
	}
	return b.sender.Send(ctx, Call{Method: method, To: b.oracle, Data: payload}, observe)
}
