package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// CycleMatches is the fixed number of matches in a daily cycle.
const CycleMatches = 10

// Moneyline results as encoded by the contract.
const (
	MoneylineNotSet uint8 = iota
	MoneylineHomeWin
	MoneylineDraw
	MoneylineAwayWin
)

// Over/under results as encoded by the contract.
const (
	OverUnderNotSet uint8 = iota
	OverUnderOver
	OverUnderUnder
)

// Bet types of a slip prediction.
const (
	BetTypeMoneyline uint8 = 0
	BetTypeOverUnder uint8 = 1
)

// Slip selections are keccak256 hashes of these labels.
const (
	LabelHome  = "1"
	LabelDraw  = "X"
	LabelAway  = "2"
	LabelOver  = "Over"
	LabelUnder = "Under"
)

var selectionLabels = map[common.Hash]string{}

func init() {
	for _, label := range []string{LabelHome, LabelDraw, LabelAway, LabelOver, LabelUnder} {
		selectionLabels[SelectionHash(label)] = label
	}
}

// SelectionHash returns the on-chain selection for a label.
func SelectionHash(label string) common.Hash {
	return crypto.Keccak256Hash([]byte(label))
}

// SelectionLabel maps an on-chain selection back to its label.
func SelectionLabel(selection [32]byte) (string, bool) {
	label, ok := selectionLabels[common.Hash(selection)]
	return label, ok
}

// OddysseyResult is the Result struct of the contract.
type OddysseyResult struct {
	Moneyline uint8
	OverUnder uint8
}

// OddysseyMatch is the Match struct of the contract. Odds are scaled by 1000.
type OddysseyMatch struct {
	Id        uint64
	StartTime uint64
	OddsHome  uint32
	OddsDraw  uint32
	OddsAway  uint32
	OddsOver  uint32
	OddsUnder uint32
	Result    OddysseyResult
}

// OddysseyPrediction is one pick on a slip.
type OddysseyPrediction struct {
	MatchId     uint64
	BetType     uint8
	Selection   [32]byte
	SelectedOdd uint32
}

// OddysseySlip is the Slip struct returned by getSlip.
type OddysseySlip struct {
	Player       common.Address
	CycleId      *big.Int
	PlacedAt     *big.Int
	Predictions  [CycleMatches]OddysseyPrediction
	FinalScore   *big.Int
	CorrectCount uint8
	IsEvaluated  bool
}

// OddysseyOptions parameterise the cycle contract facade.
type OddysseyOptions struct {
	Address        common.Address
	RequestTimeout time.Duration
}

// Oddyssey reads and writes the daily cycle contract.
type Oddyssey struct {
	caller         Caller
	sender         Sender
	address        common.Address
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// NewOddyssey builds the facade. sender may be nil for read-only use.
func NewOddyssey(caller Caller, sender Sender, opts OddysseyOptions, logger zerolog.Logger) (*Oddyssey, error) {
	if opts.Address == (common.Address{}) {
		return nil, errors.New("oddyssey address not configured")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	return &Oddyssey{
		caller:         caller,
		sender:         sender,
		address:        opts.Address,
		requestTimeout: opts.RequestTimeout,
		logger:         logger.With().Str("component", "oddyssey_contract").Logger(),
	}, nil
}

// StartDailyCycle sends startDailyCycle and returns the cycle id announced
// by the CycleStarted log of the receipt.
func (o *Oddyssey) StartDailyCycle(ctx context.Context, matches [CycleMatches]OddysseyMatch, observe HashObserver) (int64, TxResult, error) {
	res, err := o.send(ctx, "startDailyCycle", observe, matches)
	if err != nil {
		return 0, res, err
	}
	for _, lg := range res.Receipt.Logs {
		if lg == nil || lg.Address != o.address || EventName(*lg) != EventCycleStarted {
			continue
		}
		ev, err := DecodeLog(*lg)
		if err != nil {
			return 0, res, fmt.Errorf("decode CycleStarted: %w", err)
		}
		return ev.(*CycleStarted).CycleID, res, nil
	}
	return 0, res, fmt.Errorf("startDailyCycle %s: no CycleStarted log", res.Hash.Hex())
}

// ResolveDailyCycle sends resolveDailyCycle(cycleId, results).
func (o *Oddyssey) ResolveDailyCycle(ctx context.Context, cycleID int64, results [CycleMatches]OddysseyResult, observe HashObserver) (TxResult, error) {
	return o.send(ctx, "resolveDailyCycle", observe, big.NewInt(cycleID), results)
}

// EvaluateMultipleSlips sends evaluateMultipleSlips(slipIds).
func (o *Oddyssey) EvaluateMultipleSlips(ctx context.Context, slipIDs []int64, observe HashObserver) (TxResult, error) {
	ids := make([]*big.Int, len(slipIDs))
	for i, id := range slipIDs {
		ids[i] = big.NewInt(id)
	}
	return o.send(ctx, "evaluateMultipleSlips", observe, ids)
}

// GetSlip reads getSlip(slipId).
func (o *Oddyssey) GetSlip(ctx context.Context, slipID int64) (OddysseySlip, error) {
	out, err := o.read(ctx, "getSlip", big.NewInt(slipID))
	if err != nil {
		return OddysseySlip{}, err
	}
	slip := abiConvert[OddysseySlip](out)
	if slip == nil {
		return OddysseySlip{}, fmt.Errorf("getSlip: unexpected output %T", out)
	}
	return *slip, nil
}

// GetDailyMatches reads getDailyMatches(cycleId).
func (o *Oddyssey) GetDailyMatches(ctx context.Context, cycleID int64) ([CycleMatches]OddysseyMatch, error) {
	out, err := o.read(ctx, "getDailyMatches", big.NewInt(cycleID))
	if err != nil {
		return [CycleMatches]OddysseyMatch{}, err
	}
	matches := abiConvert[[CycleMatches]OddysseyMatch](out)
	if matches == nil {
		return [CycleMatches]OddysseyMatch{}, fmt.Errorf("getDailyMatches: unexpected output %T", out)
	}
	return *matches, nil
}

func (o *Oddyssey) read(ctx context.Context, method string, args ...any) (any, error) {
	data, err := oddysseyABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()
	res, err := o.caller.CallContract(ctx, ethereum.CallMsg{To: &o.address, Data: data}, nil)
	if err != nil {
		return nil, decodeCallError(method, err)
	}
	out, err := oddysseyABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: expected one output, got %d", method, len(out))
	}
	return out[0], nil
}

func (o *Oddyssey) send(ctx context.Context, method string, observe HashObserver, args ...any) (TxResult, error) {
	if o.sender == nil {
		return TxResult{}, errors.New("oddyssey contract is read-only")
	}
	data, err := oddysseyABI.Pack(method, args...)
	if err != nil {
		return TxResult{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return o.sender.Send(ctx, Call{Method: method, To: o.address, Data: data}, observe)
}
