package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// poolView mirrors the pools(uint256) getter outputs.
type poolView struct {
	Creator               common.Address
	PredictedOutcome      [32]byte
	Result                [32]byte
	MarketId              string
	Category              string
	OracleType            uint8
	IsSettled             bool
	CreatorSideWon        bool
	CreatorStake          *big.Int
	TotalCreatorSideStake *big.Int
	TotalBettorStake      *big.Int
	EventStartTime        *big.Int
	EventEndTime          *big.Int
	ArbitrationDeadline   *big.Int
	ResultTimestamp       *big.Int
}

// PoolOnChain is the contract's view of a pool.
type PoolOnChain struct {
	ID                    int64
	Creator               common.Address
	PredictedOutcome      [32]byte
	Result                [32]byte
	MarketID              string
	Category              string
	OracleType            uint8
	IsSettled             bool
	CreatorSideWon        bool
	CreatorStake          decimal.Decimal
	TotalCreatorSideStake decimal.Decimal
	TotalBettorStake      decimal.Decimal
	EventStart            time.Time
	EventEnd              time.Time
	ArbitrationDeadline   time.Time
	ResultTimestamp       time.Time
}

// PoolStats is the getPoolStats view.
type PoolStats struct {
	TotalBettorStake      decimal.Decimal
	TotalCreatorSideStake decimal.Decimal
	BettorCount           int64
	LPCount               int64
	IsSettled             bool
	EligibleForRefund     bool
}

type poolStatsView struct {
	TotalBettorStake      *big.Int
	TotalCreatorSideStake *big.Int
	BettorCount           *big.Int
	LpCount               *big.Int
	IsSettled             bool
	EligibleForRefund     bool
}

// PackSettlePool encodes settlePool(poolId, outcome).
func PackSettlePool(poolID int64, outcome [32]byte) ([]byte, error) {
	return poolCoreABI.Pack("settlePool", big.NewInt(poolID), outcome)
}

// PackRefundPool encodes refundPool(poolId).
func PackRefundPool(poolID int64) ([]byte, error) {
	return poolCoreABI.Pack("refundPool", big.NewInt(poolID))
}

func (b *OracleBot) readPool(ctx context.Context, poolID int64) (PoolOnChain, error) {
	var view poolView
	if err := b.call(ctx, "pools", b.poolCore, &view, big.NewInt(poolID)); err != nil {
		return PoolOnChain{}, err
	}
	dec := b.tokenDecimals
	return PoolOnChain{
		ID:                    poolID,
		Creator:               view.Creator,
		PredictedOutcome:      view.PredictedOutcome,
		Result:                view.Result,
		MarketID:              view.MarketId,
		Category:              view.Category,
		OracleType:            view.OracleType,
		IsSettled:             view.IsSettled,
		CreatorSideWon:        view.CreatorSideWon,
		CreatorStake:          FromWei(view.CreatorStake, dec),
		TotalCreatorSideStake: FromWei(view.TotalCreatorSideStake, dec),
		TotalBettorStake:      FromWei(view.TotalBettorStake, dec),
		EventStart:            unixTime(view.EventStartTime),
		EventEnd:              unixTime(view.EventEndTime),
		ArbitrationDeadline:   unixTime(view.ArbitrationDeadline),
		ResultTimestamp:       unixTime(view.ResultTimestamp),
	}, nil
}

// call runs a view method on the pool core or oracle contract and unpacks
// its outputs into out.
func (b *OracleBot) call(ctx context.Context, method string, to common.Address, out any, args ...any) error {
	contract := poolCoreABI
	if to == b.oracle {
		contract = oracleABI
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()
	res, err := b.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return decodeCallError(method, err)
	}
	if len(res) == 0 {
		return fmt.Errorf("%s: empty response from %s", method, to.Hex())
	}
	if err := contract.UnpackIntoInterface(out, method, res); err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	return nil
}

func findPoolSettled(receipt *types.Receipt, poolCore common.Address) (*PoolSettled, error) {
	if receipt == nil {
		return nil, errors.New("no receipt")
	}
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != poolCore || len(lg.Topics) == 0 || lg.Topics[0] != poolCoreABI.Events["PoolSettled"].ID {
			continue
		}
		ev, err := DecodeLog(*lg)
		if err != nil {
			return nil, err
		}
		if settled, ok := ev.(*PoolSettled); ok {
			return settled, nil
		}
	}
	return nil, nil
}
