package chain

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrUnknownEvent is returned by DecodeLog for logs outside the mirrored set.
var ErrUnknownEvent = errors.New("chain: unknown event")

// Mirrored event names.
const (
	EventPoolCreated    = "PoolCreated"
	EventBetPlaced      = "BetPlaced"
	EventLiquidityAdded = "LiquidityAdded"
	EventPoolSettled    = "PoolSettled"
	EventPoolRefunded   = "PoolRefunded"
	EventCycleStarted   = "CycleStarted"
	EventSlipPlaced     = "SlipPlaced"
	EventCycleResolved  = "CycleResolved"
)

type PoolCreated struct {
	PoolID              int64
	Creator             common.Address
	EventStart          time.Time
	EventEnd            time.Time
	OracleType          uint8
	MarketID            string
	PredictedOutcome    [32]byte
	Category            string
	CreatorStake        *big.Int
	ArbitrationDeadline time.Time
}

type BetPlaced struct {
	PoolID       int64
	Bettor       common.Address
	Amount       *big.Int
	IsForOutcome bool
}

type LiquidityAdded struct {
	PoolID   int64
	Provider common.Address
	Amount   *big.Int
}

type PoolSettled struct {
	PoolID         int64
	Result         [32]byte
	CreatorSideWon bool
	Timestamp      time.Time
}

type PoolRefunded struct {
	PoolID int64
	Reason string
}

type CycleStarted struct {
	CycleID   int64
	EndTime   time.Time
	PrizePool *big.Int
}

type SlipPlaced struct {
	CycleID int64
	Player  common.Address
	SlipID  int64
}

type CycleResolved struct {
	CycleID   int64
	PrizePool *big.Int
}

type eventSource struct {
	contract *abi.ABI
	name     string
}

var mirrored = map[common.Hash]eventSource{}

func init() {
	for _, name := range []string{EventPoolCreated, EventBetPlaced, EventLiquidityAdded, EventPoolSettled, EventPoolRefunded} {
		mirrored[poolCoreABI.Events[name].ID] = eventSource{contract: &poolCoreABI, name: name}
	}
	for _, name := range []string{EventCycleStarted, EventSlipPlaced, EventCycleResolved} {
		mirrored[oddysseyABI.Events[name].ID] = eventSource{contract: &oddysseyABI, name: name}
	}
}

// Topics returns the topic-0 filter matching every mirrored event.
func Topics() [][]common.Hash {
	ids := make([]common.Hash, 0, len(mirrored))
	for id := range mirrored {
		ids = append(ids, id)
	}
	return [][]common.Hash{ids}
}

// EventName returns the mirrored event name for a log, or "".
func EventName(lg types.Log) string {
	if len(lg.Topics) == 0 {
		return ""
	}
	return mirrored[lg.Topics[0]].name
}

// DecodeLog decodes a mirrored log into one of the typed event structs.
func DecodeLog(lg types.Log) (any, error) {
	if len(lg.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	src, ok := mirrored[lg.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, lg.Topics[0].Hex())
	}
	ev := src.contract.Events[src.name]

	fields := make(map[string]any)
	if len(lg.Data) > 0 {
		if err := src.contract.UnpackIntoMap(fields, src.name, lg.Data); err != nil {
			return nil, fmt.Errorf("unpack %s data: %w", src.name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse %s topics: %w", src.name, err)
	}

	f := fieldReader{event: src.name, fields: fields}
	var out any
	switch src.name {
	case EventPoolCreated:
		out = &PoolCreated{
			PoolID:              f.int64("poolId"),
			Creator:             f.address("creator"),
			EventStart:          unixTime(f.bigInt("eventStartTime")),
			EventEnd:            unixTime(f.bigInt("eventEndTime")),
			OracleType:          f.uint8("oracleType"),
			MarketID:            f.str("marketId"),
			PredictedOutcome:    f.bytes32("predictedOutcome"),
			Category:            f.str("category"),
			CreatorStake:        f.bigInt("creatorStake"),
			ArbitrationDeadline: unixTime(f.bigInt("arbitrationDeadline")),
		}
	case EventBetPlaced:
		out = &BetPlaced{
			PoolID:       f.int64("poolId"),
			Bettor:       f.address("bettor"),
			Amount:       f.bigInt("amount"),
			IsForOutcome: f.bool("isForOutcome"),
		}
	case EventLiquidityAdded:
		out = &LiquidityAdded{
			PoolID:   f.int64("poolId"),
			Provider: f.address("provider"),
			Amount:   f.bigInt("amount"),
		}
	case EventPoolSettled:
		out = &PoolSettled{
			PoolID:         f.int64("poolId"),
			Result:         f.bytes32("result"),
			CreatorSideWon: f.bool("creatorSideWon"),
			Timestamp:      unixTime(f.bigInt("timestamp")),
		}
	case EventPoolRefunded:
		out = &PoolRefunded{PoolID: f.int64("poolId"), Reason: f.str("reason")}
	case EventCycleStarted:
		out = &CycleStarted{
			CycleID:   f.int64("cycleId"),
			EndTime:   unixTime(f.bigInt("endTime")),
			PrizePool: f.bigInt("prizePool"),
		}
	case EventSlipPlaced:
		out = &SlipPlaced{
			CycleID: f.int64("cycleId"),
			Player:  f.address("player"),
			SlipID:  f.int64("slipId"),
		}
	case EventCycleResolved:
		out = &CycleResolved{CycleID: f.int64("cycleId"), PrizePool: f.bigInt("prizePool")}
	}
	if f.err != nil {
		return nil, f.err
	}
	return out, nil
}

// fieldReader pulls typed values out of an unpacked event map and keeps the
// first type mismatch.
type fieldReader struct {
	event  string
	fields map[string]any
	err    error
}

func (r *fieldReader) fail(name string, v any) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: field %s has unexpected type %T", r.event, name, v)
	}
}

func (r *fieldReader) bigInt(name string) *big.Int {
	v, ok := r.fields[name].(*big.Int)
	if !ok {
		r.fail(name, r.fields[name])
		return new(big.Int)
	}
	return v
}

func (r *fieldReader) int64(name string) int64 {
	v := r.bigInt(name)
	if !v.IsInt64() {
		r.fail(name, v)
		return 0
	}
	return v.Int64()
}

func (r *fieldReader) address(name string) common.Address {
	v, ok := r.fields[name].(common.Address)
	if !ok {
		r.fail(name, r.fields[name])
	}
	return v
}

func (r *fieldReader) str(name string) string {
	v, ok := r.fields[name].(string)
	if !ok {
		r.fail(name, r.fields[name])
	}
	return v
}

func (r *fieldReader) bytes32(name string) [32]byte {
	v, ok := r.fields[name].([32]byte)
	if !ok {
		r.fail(name, r.fields[name])
	}
	return v
}

func (r *fieldReader) bool(name string) bool {
	v, ok := r.fields[name].(bool)
	if !ok {
		r.fail(name, r.fields[name])
	}
	return v
}

func (r *fieldReader) uint8(name string) uint8 {
	v, ok := r.fields[name].(uint8)
	if !ok {
		r.fail(name, r.fields[name])
	}
	return v
}
