package oddyssey

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"settlement-core/internal/alerting"
	"settlement-core/internal/broadcast"
	"settlement-core/internal/chain"
	"settlement-core/internal/outcome"
	"settlement-core/internal/storage"
)

type memCycles struct {
	cycles      map[int64]*storage.Cycle
	slips       map[int64][]storage.Slip
	evaluations map[int64]*big.Int
	marked      [][]int64
	ready       []int64
}

func newMemCycles() *memCycles {
	return &memCycles{
		cycles:      map[int64]*storage.Cycle{},
		slips:       map[int64][]storage.Slip{},
		evaluations: map[int64]*big.Int{},
	}
}

func (m *memCycles) GetCycle(_ context.Context, id int64) (*storage.Cycle, error) {
	c, ok := m.cycles[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memCycles) GetCycleByDate(_ context.Context, day time.Time) (*storage.Cycle, error) {
	for _, c := range m.cycles {
		if c.Date != nil && c.Date.Equal(day) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memCycles) SaveCycle(_ context.Context, c storage.Cycle) error {
	m.cycles[c.ID] = &c
	return nil
}

func (m *memCycles) ListUnresolvedCycles(_ context.Context, endedBefore time.Time) ([]storage.Cycle, error) {
	var out []storage.Cycle
	for _, c := range m.cycles {
		if !c.IsResolved && !c.EndTime.After(endedBefore) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memCycles) ListCycles(context.Context, int) ([]storage.Cycle, error) { return nil, nil }

func (m *memCycles) MarkCycleReady(_ context.Context, id int64) error {
	m.ready = append(m.ready, id)
	m.cycles[id].ReadyForResolution = true
	return nil
}

func (m *memCycles) MarkCycleResolved(_ context.Context, id int64, txHash string, at time.Time) error {
	c := m.cycles[id]
	c.IsResolved, c.ResolveTxHash, c.ResolvedAt = true, txHash, &at
	return nil
}

func (m *memCycles) ListSlips(_ context.Context, cycleID int64) ([]storage.Slip, error) {
	return append([]storage.Slip(nil), m.slips[cycleID]...), nil
}

func (m *memCycles) SaveSlipEvaluation(_ context.Context, slipID int64, correct int, score *big.Int) error {
	m.evaluations[slipID] = score
	return nil
}

func (m *memCycles) MarkSlipsEvaluated(_ context.Context, ids []int64, _ string) error {
	m.marked = append(m.marked, ids)
	for cycleID, slips := range m.slips {
		for i := range slips {
			for _, id := range ids {
				if slips[i].ID == id {
					m.slips[cycleID][i].IsEvaluated = true
				}
			}
		}
	}
	return nil
}

func (m *memCycles) CountUnevaluatedSlips(context.Context) (map[int64]int, error) {
	out := map[int64]int{}
	for cycleID, slips := range m.slips {
		if c, ok := m.cycles[cycleID]; !ok || !c.IsResolved {
			continue
		}
		for _, s := range slips {
			if !s.IsEvaluated {
				out[cycleID]++
			}
		}
	}
	return out, nil
}

type memFixtures struct {
	fixtures []storage.Fixture
	results  map[int64]storage.FixtureResult
}

func (f *memFixtures) ListFixturesBetween(_ context.Context, from, to time.Time, _ []int64) ([]storage.Fixture, error) {
	var out []storage.Fixture
	for _, fx := range f.fixtures {
		if !fx.Kickoff.Before(from) && fx.Kickoff.Before(to) {
			out = append(out, fx)
		}
	}
	return out, nil
}

func (f *memFixtures) GetFixtureResults(_ context.Context, ids []int64) (map[int64]storage.FixtureResult, error) {
	out := map[int64]storage.FixtureResult{}
	for _, id := range ids {
		if r, ok := f.results[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

type fakeContract struct {
	started    [chain.CycleMatches]chain.OddysseyMatch
	resolved   [chain.CycleMatches]chain.OddysseyResult
	resolveErr error
	batches    [][]int64
	onchain    map[int64]chain.OddysseySlip
}

func (f *fakeContract) StartDailyCycle(_ context.Context, m [chain.CycleMatches]chain.OddysseyMatch, _ chain.HashObserver) (int64, chain.TxResult, error) {
	f.started = m
	return 42, chain.TxResult{Hash: common.HexToHash("0x57a7")}, nil
}

func (f *fakeContract) ResolveDailyCycle(_ context.Context, _ int64, r [chain.CycleMatches]chain.OddysseyResult, _ chain.HashObserver) (chain.TxResult, error) {
	if f.resolveErr != nil {
		return chain.TxResult{}, f.resolveErr
	}
	f.resolved = r
	return chain.TxResult{Hash: common.HexToHash("0x4e50")}, nil
}

func (f *fakeContract) EvaluateMultipleSlips(_ context.Context, ids []int64, _ chain.HashObserver) (chain.TxResult, error) {
	f.batches = append(f.batches, append([]int64(nil), ids...))
	return chain.TxResult{Hash: common.HexToHash("0xe7a1")}, nil
}

func (f *fakeContract) GetSlip(_ context.Context, id int64) (chain.OddysseySlip, error) {
	s, ok := f.onchain[id]
	if !ok {
		return chain.OddysseySlip{}, errors.New("unknown slip")
	}
	return s, nil
}

type notes struct{ got []alerting.Notification }

func (n *notes) Notify(_ context.Context, note alerting.Notification) error {
	n.got = append(n.got, note)
	return nil
}

type events struct{ got []broadcast.Event }

func (e *events) Publish(_ context.Context, ev broadcast.Event) error {
	e.got = append(e.got, ev)
	return nil
}

var day = time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)

func odds(home, draw, away, over, under string) storage.FixtureOdds {
	return storage.FixtureOdds{
		Home:    decimal.RequireFromString(home),
		Draw:    decimal.RequireFromString(draw),
		Away:    decimal.RequireFromString(away),
		Over25:  decimal.RequireFromString(over),
		Under25: decimal.RequireFromString(under),
	}
}

func slateFixtures() []storage.Fixture {
	var out []storage.Fixture
	for i := 0; i < 12; i++ {
		league := int64(39)
		if i%2 == 1 {
			league = 140
		}
		out = append(out, storage.Fixture{
			ID:       int64(2000 + i),
			LeagueID: league,
			Kickoff:  day.Add(time.Duration(14+i%8) * time.Hour),
			Odds:     odds("2.10", "3.40", "3.55", "1.85", "1.95"),
		})
	}
	// before the earliest hour, incomplete odds, unknown league
	out = append(out,
		storage.Fixture{ID: 1, LeagueID: 39, Kickoff: day.Add(12 * time.Hour), Odds: odds("2", "3", "4", "2", "2")},
		storage.Fixture{ID: 2, LeagueID: 39, Kickoff: day.Add(15 * time.Hour), Odds: storage.FixtureOdds{Home: decimal.NewFromInt(2)}},
		storage.Fixture{ID: 3, LeagueID: 999, Kickoff: day.Add(15 * time.Hour), Odds: odds("2", "3", "4", "2", "2")},
	)
	return out
}

func TestStartCycleSelectsTenFixtures(t *testing.T) {
	cycles := newMemCycles()
	contract := &fakeContract{}
	fixtures := &memFixtures{fixtures: slateFixtures()}
	s := NewStarter(cycles, fixtures, contract, StarterOptions{
		EarliestKickoffHour: 13,
		PopularLeagues:      []int64{140, 39},
		Clock:               func() time.Time { return day.Add(-10 * time.Minute) },
	}, zerolog.Nop())

	cycle, err := s.StartCycle(context.Background(), day)
	if err != nil {
		t.Fatal(err)
	}
	if cycle.ID != 42 || len(cycle.Matches) != chain.CycleMatches {
		t.Fatalf("unexpected cycle %+v", cycle)
	}
	// the six La Liga fixtures come first
	for i := 0; i < 6; i++ {
		if cycle.Matches[i].FixtureID%2 != 1 {
			t.Fatalf("match %d should be from the priority league, got fixture %d", i, cycle.Matches[i].FixtureID)
		}
	}
	for _, m := range cycle.Matches {
		if m.FixtureID < 2000 {
			t.Fatalf("ineligible fixture %d selected", m.FixtureID)
		}
		if !m.Kickoff.After(cycle.EndTime) {
			t.Fatalf("fixture %d kicks off before cycle end", m.FixtureID)
		}
	}
	if want := day.Add(14*time.Hour - EndTimeLead); !cycle.EndTime.Equal(want) {
		t.Fatalf("end time %s, want %s", cycle.EndTime, want)
	}
	if contract.started[0].OddsHome != 2100 || contract.started[0].OddsUnder != 1950 {
		t.Fatalf("odds must be scaled by 1000, got %+v", contract.started[0])
	}
	if _, ok := cycles.cycles[42]; !ok {
		t.Fatal("cycle must be saved")
	}

	if _, err := s.StartCycle(context.Background(), day); !errors.Is(err, ErrCycleExists) {
		t.Fatalf("second start must be refused, got %v", err)
	}
}

func TestStartCycleNeedsTenFixtures(t *testing.T) {
	fixtures := &memFixtures{fixtures: slateFixtures()[:9]}
	s := NewStarter(newMemCycles(), fixtures, &fakeContract{}, StarterOptions{
		PopularLeagues: []int64{39, 140},
		Clock:          func() time.Time { return day.Add(-10 * time.Minute) },
	}, zerolog.Nop())
	if _, err := s.StartCycle(context.Background(), day); !errors.Is(err, ErrNotEnoughFixtures) {
		t.Fatalf("expected ErrNotEnoughFixtures, got %v", err)
	}
}

func resolvedSetup(t *testing.T, withAllResults bool) (*memCycles, *memFixtures, *fakeContract) {
	t.Helper()
	cycles := newMemCycles()
	fixtures := &memFixtures{results: map[int64]storage.FixtureResult{}}
	c := storage.Cycle{ID: 7, Date: &day, EndTime: day.Add(14*time.Hour - EndTimeLead)}
	for i := 0; i < chain.CycleMatches; i++ {
		id := int64(3000 + i)
		c.Matches = append(c.Matches, storage.CycleMatch{FixtureID: id, Kickoff: day.Add(14 * time.Hour).Add(time.Duration(i) * 15 * time.Minute)})
		if withAllResults || i < chain.CycleMatches-1 {
			ft := outcome.Score{Home: 2, Away: 1}
			fixtures.results[id] = storage.FixtureResult{FixtureID: id, FT: ft, Outcomes: outcome.Compute(ft, outcome.Score{})}
		}
	}
	cycles.cycles[7] = &c

	var preds []storage.SlipPrediction
	for _, id := range c.FixtureIDs() {
		preds = append(preds, storage.SlipPrediction{MatchID: id, BetType: chain.BetTypeMoneyline, Selection: chain.LabelHome, Odds: 1500})
	}
	cycles.slips[7] = []storage.Slip{
		{ID: 70, CycleID: 7, Predictions: preds},
		{ID: 71, CycleID: 7, Predictions: preds},
		{ID: 72, CycleID: 7, Predictions: preds},
	}
	return cycles, fixtures, &fakeContract{onchain: map[int64]chain.OddysseySlip{}}
}

func TestResolverWaitsForAllResults(t *testing.T) {
	cycles, fixtures, contract := resolvedSetup(t, false)
	now := day.Add(24 * time.Hour)
	r := NewResolver(cycles, fixtures, contract, nil, nil, ResolverOptions{Clock: func() time.Time { return now }}, zerolog.Nop())

	report, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Resolved) != 0 || len(report.Waiting) != 1 || cycles.cycles[7].IsResolved {
		t.Fatalf("partial resolution is forbidden, report %+v", report)
	}
}

func TestResolverWaitsAfterLastKickoff(t *testing.T) {
	cycles, fixtures, contract := resolvedSetup(t, true)
	last := day.Add(14*time.Hour + 9*15*time.Minute)
	r := NewResolver(cycles, fixtures, contract, nil, nil, ResolverOptions{
		ResolveDelay: 15 * time.Minute,
		Clock:        func() time.Time { return last.Add(14 * time.Minute) },
	}, zerolog.Nop())
	report, _ := r.RunOnce(context.Background())
	if len(report.Resolved) != 0 {
		t.Fatal("cycle must wait until last kickoff plus the resolve delay")
	}
}

func TestResolverResolvesAndEvaluates(t *testing.T) {
	cycles, fixtures, contract := resolvedSetup(t, true)
	// 1.5^10 with truncation at every step
	contract.onchain[70] = chain.OddysseySlip{FinalScore: big.NewInt(57654), CorrectCount: 10}
	contract.onchain[71] = chain.OddysseySlip{FinalScore: big.NewInt(57654), CorrectCount: 10}
	contract.onchain[72] = chain.OddysseySlip{FinalScore: big.NewInt(1), CorrectCount: 1}
	notifier := &notes{}
	published := &events{}
	now := day.Add(24 * time.Hour)
	r := NewResolver(cycles, fixtures, contract, notifier, published, ResolverOptions{
		EvaluationBatchSize: 2,
		VerifyOnChainScores: true,
		Clock:               func() time.Time { return now },
	}, zerolog.Nop())

	report, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Resolved) != 1 || !cycles.cycles[7].IsResolved || len(cycles.ready) != 1 {
		t.Fatalf("cycle should be resolved, report %+v", report)
	}
	for i, res := range contract.resolved {
		if res.Moneyline != chain.MoneylineHomeWin || res.OverUnder != chain.OverUnderOver {
			t.Fatalf("result %d: unexpected %+v", i, res)
		}
	}
	if len(contract.batches) != 2 || len(contract.batches[0]) != 2 || len(contract.batches[1]) != 1 {
		t.Fatalf("slips must be evaluated in batches of two, got %v", contract.batches)
	}
	if report.SlipsEvaluated != 3 || cycles.evaluations[70].Int64() != 57654 {
		t.Fatalf("unexpected evaluation %+v / %v", report, cycles.evaluations[70])
	}
	if report.Mismatches != 1 || len(notifier.got) != 1 || notifier.got[0].Severity != alerting.SeverityCritical {
		t.Fatalf("slip 72 mismatch should alert, got %d alerts", len(notifier.got))
	}
	if len(published.got) != 1 || published.got[0].Type != broadcast.EventCycleResolved {
		t.Fatalf("unexpected broadcast %+v", published.got)
	}

	again, err := r.RunOnce(context.Background())
	if err != nil || len(again.Resolved) != 0 || again.SlipsEvaluated != 0 {
		t.Fatalf("second pass must be a no-op, got %+v %v", again, err)
	}
}

func TestResolverTreatsAlreadyResolvedAsDone(t *testing.T) {
	cycles, fixtures, contract := resolvedSetup(t, true)
	contract.resolveErr = &chain.RevertError{Method: "resolveDailyCycle", Reason: "Cycle already resolved"}
	r := NewResolver(cycles, fixtures, contract, nil, nil, ResolverOptions{Clock: func() time.Time { return day.Add(24 * time.Hour) }}, zerolog.Nop())
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !cycles.cycles[7].IsResolved {
		t.Fatal("already resolved revert should mark the cycle resolved")
	}
}

func TestMonitorReportsIssues(t *testing.T) {
	cycles, _, _ := resolvedSetup(t, true)
	cycles.cycles[8] = &storage.Cycle{ID: 8, IsResolved: true, EndTime: day}
	cycles.slips[8] = []storage.Slip{{ID: 80, CycleID: 8}}
	notifier := &notes{}
	now := day.Add(36 * time.Hour)
	m := NewMonitor(cycles, notifier, MonitorOptions{OverdueAfter: 6 * time.Hour, Clock: func() time.Time { return now }}, zerolog.Nop())

	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.MissingToday {
		t.Fatal("no cycle exists for today")
	}
	if len(report.Overdue) != 1 || report.Overdue[0] != 7 {
		t.Fatalf("cycle 7 is overdue, got %v", report.Overdue)
	}
	if report.Unevaluated[8] != 1 {
		t.Fatalf("cycle 8 has an unevaluated slip, got %v", report.Unevaluated)
	}
	if len(notifier.got) != 3 {
		t.Fatalf("expected three alerts, got %d", len(notifier.got))
	}
}

func TestMonitorHealthy(t *testing.T) {
	cycles := newMemCycles()
	today := day
	cycles.cycles[9] = &storage.Cycle{ID: 9, Date: &today, EndTime: day.Add(14 * time.Hour)}
	notifier := &notes{}
	m := NewMonitor(cycles, notifier, MonitorOptions{Clock: func() time.Time { return day.Add(10 * time.Hour) }}, zerolog.Nop())
	report, err := m.RunOnce(context.Background())
	if err != nil || !report.Healthy() || len(notifier.got) != 0 {
		t.Fatalf("expected a healthy report, got %+v %v", report, err)
	}
}
