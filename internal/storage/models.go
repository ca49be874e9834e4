package storage

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"settlement-core/internal/outcome"
)

// OracleTypeGuided is the only oracle type settled off-chain.
const OracleTypeGuided uint8 = 0

// FixtureOdds holds decimal pre-match odds. Zero means unavailable.
type FixtureOdds struct {
	Home    decimal.Decimal
	Draw    decimal.Decimal
	Away    decimal.Decimal
	Over25  decimal.Decimal
	Under25 decimal.Decimal
}

// Complete reports whether every market needed by an Oddyssey slate is priced.
func (o FixtureOdds) Complete() bool {
	for _, v := range []decimal.Decimal{o.Home, o.Draw, o.Away, o.Over25, o.Under25} {
		if !v.IsPositive() {
			return false
		}
	}
	return true
}

// Fixture is a football match known to the provider.
type Fixture struct {
	ID         int64
	HomeTeam   string
	AwayTeam   string
	LeagueID   int64
	LeagueName string
	Kickoff    time.Time
	Status     string
	Odds       FixtureOdds
	UpdatedAt  time.Time
}

// FixtureResult is the authoritative 90-minute result with pre-computed outcomes.
type FixtureResult struct {
	FixtureID  int64
	FT         outcome.Score
	HT         outcome.Score
	AET        *outcome.Score
	Penalties  *outcome.Score
	Outcomes   outcome.Outcomes
	FinishedAt time.Time
	CreatedAt  time.Time
}

// ResultProblem records a provider record that needs out-of-band inspection.
type ResultProblem struct {
	FixtureID  int64
	Kind       string
	Detail     string
	ObservedAt time.Time
}

// Pool mirrors an on-chain prediction pool plus pipeline bookkeeping.
type Pool struct {
	ID                    int64
	Creator               string
	MarketID              string
	FixtureID             *int64
	Category              string
	PredictedOutcome      string
	Family                *outcome.Prediction
	OracleType            uint8
	EventStart            time.Time
	EventEnd              time.Time
	ArbitrationDeadline   time.Time
	CreatorStake          decimal.Decimal
	TotalBettorStake      decimal.Decimal
	TotalCreatorSideStake decimal.Decimal
	State                 PoolState
	RejectedReason        *string
	CreatedBlock          uint64
	CreatedAt             time.Time
}

// IsSettled reports whether the pool reached a terminal state.
func (p Pool) IsSettled() bool {
	return IsTerminal(p.State)
}

// SettleablePool is a selection row: the pool and, for football, its joined result.
type SettleablePool struct {
	Pool   Pool
	Result *FixtureResult
}

// PoolState is the explicit lifecycle of a pool as tracked by the pipeline.
type PoolState interface {
	Name() string
	isPoolState()
}

// Pool state names as persisted in pools.state.
const (
	StateActive           = "active"
	StateAwaitingResult   = "awaiting_result"
	StateOutcomeSubmitted = "outcome_submitted"
	StateSettled          = "settled"
	StateRefunded         = "refunded"
)

// Active pools are still open for betting or waiting for their event to end.
type Active struct{}

// AwaitingResult pools have an ended event without a settleable result.
type AwaitingResult struct{}

// OutcomeSubmitted pools have their outcome recorded on the oracle.
type OutcomeSubmitted struct {
	TxHash string
}

// Settled pools are immutable.
type Settled struct {
	Result         [32]byte
	CreatorSideWon bool
	TxHash         string
	At             time.Time
}

// Refunded pools had no bettor stake and were refunded after arbitration.
type Refunded struct {
	TxHash string
	At     time.Time
}

func (Active) Name() string           { return StateActive }
func (AwaitingResult) Name() string   { return StateAwaitingResult }
func (OutcomeSubmitted) Name() string { return StateOutcomeSubmitted }
func (Settled) Name() string          { return StateSettled }
func (Refunded) Name() string         { return StateRefunded }

func (Active) isPoolState()           {}
func (AwaitingResult) isPoolState()   {}
func (OutcomeSubmitted) isPoolState() {}
func (Settled) isPoolState()          {}
func (Refunded) isPoolState()         {}

// IsTerminal reports whether no further transition is allowed.
func IsTerminal(s PoolState) bool {
	switch s.(type) {
	case Settled, *Settled, Refunded, *Refunded:
		return true
	}
	return false
}

// Bet mirrors a BetPlaced event.
type Bet struct {
	TxHash       string
	LogIndex     uint
	PoolID       int64
	Bettor       string
	Amount       decimal.Decimal
	IsForOutcome bool
	BlockNumber  uint64
	BlockTime    time.Time
}

// Liquidity mirrors a LiquidityAdded event.
type Liquidity struct {
	TxHash      string
	LogIndex    uint
	PoolID      int64
	Provider    string
	Amount      decimal.Decimal
	BlockNumber uint64
	BlockTime   time.Time
}

// OracleSubmission marks a successful submitOutcome call.
type OracleSubmission struct {
	MarketID    string
	Outcome     []byte
	TxHash      string
	BlockNumber uint64
	SubmittedAt time.Time
}

// CycleMatch is one of the ten fixtures of an Oddyssey cycle. Odds are scaled by 1000.
type CycleMatch struct {
	FixtureID int64     `json:"fixture_id"`
	Kickoff   time.Time `json:"kickoff"`
	OddsHome  uint32    `json:"odds_home"`
	OddsDraw  uint32    `json:"odds_draw"`
	OddsAway  uint32    `json:"odds_away"`
	OddsOver  uint32    `json:"odds_over"`
	OddsUnder uint32    `json:"odds_under"`
}

// Cycle mirrors an Oddyssey daily cycle.
type Cycle struct {
	ID                 int64
	Date               *time.Time
	Matches            []CycleMatch
	EndTime            time.Time
	PrizePool          decimal.Decimal
	ReadyForResolution bool
	IsResolved         bool
	ResolvedAt         *time.Time
	StartTxHash        string
	ResolveTxHash      string
	CreatedAt          time.Time
}

// FixtureIDs returns the ordered fixture ids of the cycle.
func (c Cycle) FixtureIDs() []int64 {
	ids := make([]int64, len(c.Matches))
	for i, m := range c.Matches {
		ids[i] = m.FixtureID
	}
	return ids
}

// Bet types of an Oddyssey prediction.
const (
	BetTypeMoneyline uint8 = 0
	BetTypeOverUnder uint8 = 1
)

// SlipPrediction is one pick of a slip. Selection is the human label (1, X, 2, Over, Under).
type SlipPrediction struct {
	MatchID   int64  `json:"match_id"`
	BetType   uint8  `json:"bet_type"`
	Selection string `json:"selection"`
	Odds      uint32 `json:"odds"`
}

// Slip mirrors an Oddyssey slip and its evaluation.
type Slip struct {
	ID             int64
	CycleID        int64
	Player         string
	Predictions    []SlipPrediction
	IsEvaluated    bool
	CorrectCount   *int
	FinalScore     *big.Int
	EvaluateTxHash string
	PlacedAt       time.Time
	TxHash         string
}

// HealReport counts repairs made by HealPools.
type HealReport struct {
	Stripped int64
	Linked   int64
	Rejected int64
	Awaiting int64
}

// EventKey identifies a log for idempotent application.
type EventKey struct {
	TxHash      string
	LogIndex    uint
	Event       string
	BlockNumber uint64
}
