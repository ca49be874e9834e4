package oddyssey

import (
	"fmt"
	"math/big"
	"sort"

	"settlement-core/internal/chain"
	"settlement-core/internal/outcome"
	"settlement-core/internal/storage"
)

// OddsScale is the fixed-point factor of on-chain odds and scores.
const OddsScale = 1000

// Prize eligibility.
const (
	LeaderboardSize = 5
	MinCorrectPicks = 7
)

var oddsScale = big.NewInt(OddsScale)

// ResultFor encodes a fixture's outcomes as the contract Result struct.
// Over/under is always settled on the 2.5 line.
func ResultFor(o outcome.Outcomes) (chain.OddysseyResult, error) {
	var r chain.OddysseyResult
	switch o.Result1X2 {
	case outcome.Home:
		r.Moneyline = chain.MoneylineHomeWin
	case outcome.Draw:
		r.Moneyline = chain.MoneylineDraw
	case outcome.Away:
		r.Moneyline = chain.MoneylineAwayWin
	default:
		return r, fmt.Errorf("%w: moneyline %q", outcome.ErrOutcomeUnavailable, o.Result1X2)
	}
	switch o.OU25 {
	case outcome.Over:
		r.OverUnder = chain.OverUnderOver
	case outcome.Under:
		r.OverUnder = chain.OverUnderUnder
	default:
		return r, fmt.Errorf("%w: over/under 2.5 %q", outcome.ErrOutcomeUnavailable, o.OU25)
	}
	return r, nil
}

// EvaluateSlip scores a slip the way the contract's evaluateSlip does: the
// score starts at 1000 and every correct pick multiplies it by its odds,
// truncating after each step. A slip without a correct pick scores zero.
// Picks are matched to the cycle by position and must carry the same match id.
func EvaluateSlip(preds []storage.SlipPrediction, matchIDs []int64, results []chain.OddysseyResult) (int, *big.Int) {
	score := new(big.Int).Set(oddsScale)
	correct := 0
	for i, p := range preds {
		if i >= len(matchIDs) || i >= len(results) || p.MatchID != matchIDs[i] {
			continue
		}
		if !pickCorrect(p, results[i]) {
			continue
		}
		correct++
		score.Mul(score, new(big.Int).SetUint64(uint64(p.Odds)))
		score.Quo(score, oddsScale)
	}
	if correct == 0 {
		return 0, new(big.Int)
	}
	return correct, score
}

func pickCorrect(p storage.SlipPrediction, r chain.OddysseyResult) bool {
	switch p.BetType {
	case chain.BetTypeMoneyline:
		switch p.Selection {
		case chain.LabelHome:
			return r.Moneyline == chain.MoneylineHomeWin
		case chain.LabelDraw:
			return r.Moneyline == chain.MoneylineDraw
		case chain.LabelAway:
			return r.Moneyline == chain.MoneylineAwayWin
		}
	case chain.BetTypeOverUnder:
		switch p.Selection {
		case chain.LabelOver:
			return r.OverUnder == chain.OverUnderOver
		case chain.LabelUnder:
			return r.OverUnder == chain.OverUnderUnder
		}
	}
	return false
}

// Leaderboard returns the prize-eligible slips: at least seven correct picks,
// best score first, ties broken by more correct picks and then the lower slip id.
func Leaderboard(slips []storage.Slip) []storage.Slip {
	eligible := make([]storage.Slip, 0, len(slips))
	for _, s := range slips {
		if s.CorrectCount == nil || *s.CorrectCount < MinCorrectPicks || s.FinalScore == nil {
			continue
		}
		eligible = append(eligible, s)
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if c := a.FinalScore.Cmp(b.FinalScore); c != 0 {
			return c > 0
		}
		if *a.CorrectCount != *b.CorrectCount {
			return *a.CorrectCount > *b.CorrectCount
		}
		return a.ID < b.ID
	})
	if len(eligible) > LeaderboardSize {
		eligible = eligible[:LeaderboardSize]
	}
	return eligible
}
