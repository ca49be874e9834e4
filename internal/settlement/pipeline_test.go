package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"settlement-core/internal/alerting"
	"settlement-core/internal/broadcast"
	"settlement-core/internal/chain"
	"settlement-core/internal/outcome"
	"settlement-core/internal/provider/crypto"
	"settlement-core/internal/storage"
)

var testNow = time.Date(2025, 11, 2, 20, 0, 0, 0, time.UTC)

type fakeStore struct {
	pools       []storage.SettleablePool
	states      map[int64][]storage.PoolState
	submissions map[string]storage.OracleSubmission
	healErr     error
	listErr     error
}

func newFakeStore(pools ...storage.SettleablePool) *fakeStore {
	return &fakeStore{
		pools:       pools,
		states:      map[int64][]storage.PoolState{},
		submissions: map[string]storage.OracleSubmission{},
	}
}

func (f *fakeStore) HealPools(context.Context, time.Time) (storage.HealReport, error) {
	return storage.HealReport{}, f.healErr
}

// ListSettleablePools mirrors the is_settled filter of the real query.
func (f *fakeStore) ListSettleablePools(context.Context, storage.SettleableQuery) ([]storage.SettleablePool, error) {
	var out []storage.SettleablePool
	for _, sp := range f.pools {
		if st := f.last(sp.Pool.ID); st != nil && storage.IsTerminal(st) {
			continue
		}
		out = append(out, sp)
	}
	return out, f.listErr
}

func (f *fakeStore) GetPool(_ context.Context, id int64) (storage.Pool, error) {
	for _, sp := range f.pools {
		if sp.Pool.ID == id {
			return sp.Pool, nil
		}
	}
	return storage.Pool{}, errors.New("not found")
}

func (f *fakeStore) SetPoolState(_ context.Context, id int64, st storage.PoolState) error {
	if h := f.states[id]; len(h) > 0 && storage.IsTerminal(h[len(h)-1]) {
		return storage.ErrPoolImmutable
	}
	f.states[id] = append(f.states[id], st)
	return nil
}

func (f *fakeStore) GetOracleSubmission(_ context.Context, marketID string) (*storage.OracleSubmission, error) {
	if sub, ok := f.submissions[marketID]; ok {
		return &sub, nil
	}
	return nil, nil
}

func (f *fakeStore) InsertOracleSubmission(_ context.Context, sub storage.OracleSubmission) error {
	if _, ok := f.submissions[sub.MarketID]; !ok {
		f.submissions[sub.MarketID] = sub
	}
	return nil
}

func (f *fakeStore) last(id int64) storage.PoolState {
	h := f.states[id]
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1]
}

type fakeOracle struct {
	outcomes   map[string][]byte
	bettor     decimal.Decimal
	settled    bool
	submitted  []string
	settles    [][32]byte
	refunds    int
	submitErrs []error
	settleErr  error
	refundErr  error
	onchain    chain.PoolOnChain
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{outcomes: map[string][]byte{}, bettor: decimal.NewFromInt(100)}
}

func (f *fakeOracle) GetOutcome(_ context.Context, marketID string) (chain.Outcome, error) {
	data, ok := f.outcomes[marketID]
	return chain.Outcome{IsSet: ok, Data: data}, nil
}

func (f *fakeOracle) SubmitOutcome(_ context.Context, marketID string, data []byte, observe chain.HashObserver) (chain.TxResult, error) {
	hash := common.HexToHash("0x5001")
	if observe != nil {
		observe(hash)
	}
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return chain.TxResult{Hash: hash}, err
		}
	}
	f.submitted = append(f.submitted, string(data))
	f.outcomes[marketID] = data
	return chain.TxResult{Hash: hash, BlockNumber: 77}, nil
}

func (f *fakeOracle) PoolOnChain(_ context.Context, id int64) (chain.PoolOnChain, error) {
	return f.onchain, nil
}

func (f *fakeOracle) PoolStats(context.Context, int64) (chain.PoolStats, error) {
	return chain.PoolStats{TotalBettorStake: f.bettor, IsSettled: f.settled}, nil
}

func (f *fakeOracle) SettlePool(_ context.Context, id int64, result [32]byte, observe chain.HashObserver) (chain.SettleResult, error) {
	if f.settleErr != nil {
		return chain.SettleResult{}, f.settleErr
	}
	f.settles = append(f.settles, result)
	return chain.SettleResult{TxResult: chain.TxResult{Hash: common.HexToHash("0x5e77")}}, nil
}

func (f *fakeOracle) RefundPool(context.Context, int64, chain.HashObserver) (chain.TxResult, error) {
	if f.refundErr != nil {
		return chain.TxResult{}, f.refundErr
	}
	f.refunds++
	return chain.TxResult{Hash: common.HexToHash("0x4ef0")}, nil
}

type fakePrices struct{ usd decimal.Decimal }

func (f fakePrices) SpotPrice(_ context.Context, symbol string) (crypto.Price, error) {
	return crypto.Price{Symbol: symbol, USD: f.usd, FetchedAt: testNow}, nil
}

type recordingNotifier struct{ notes []alerting.Notification }

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.notes = append(r.notes, n)
	return nil
}

type recordingPublisher struct{ events []broadcast.Event }

func (r *recordingPublisher) Publish(_ context.Context, e broadcast.Event) error {
	r.events = append(r.events, e)
	return nil
}

func footballPool(id int64, marketID, predicted string, ft, ht outcome.Score) storage.SettleablePool {
	fixtureID, _ := outcome.FixtureID(marketID)
	pred, err := outcome.Parse(predicted)
	var family *outcome.Prediction
	if err == nil {
		family = &pred
	}
	return storage.SettleablePool{
		Pool: storage.Pool{
			ID:                  id,
			MarketID:            marketID,
			FixtureID:           &fixtureID,
			Category:            outcome.CategoryFootball,
			PredictedOutcome:    predicted,
			Family:              family,
			EventEnd:            testNow.Add(-3 * time.Hour),
			ArbitrationDeadline: testNow.Add(21 * time.Hour),
			State:               storage.AwaitingResult{},
		},
		Result: &storage.FixtureResult{
			FixtureID:  fixtureID,
			FT:         ft,
			HT:         ht,
			Outcomes:   outcome.Compute(ft, ht),
			FinishedAt: testNow.Add(-time.Hour),
		},
	}
}

func newTestPipeline(store *fakeStore, oracle *fakeOracle, prices PriceSource, notifier alerting.Notifier, pub broadcast.Publisher) *Pipeline {
	p := NewPipeline(store, oracle, prices, notifier, pub, Options{Clock: func() time.Time { return testNow }}, zerolog.Nop())
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func bytes32(t *testing.T, s string) [32]byte {
	t.Helper()
	b, err := outcome.ToBytes32(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestFootballScenarios(t *testing.T) {
	cases := []struct {
		name      string
		pool      storage.SettleablePool
		submitted string
		won       bool
	}{
		{"home win", footballPool(1, "19425985", "Home wins", outcome.Score{Home: 2, Away: 1}, outcome.Score{Home: 1, Away: 0}), "Home wins", true},
		{"over 2.5 loss", footballPool(2, "19433520", "Over 2.5", outcome.Score{Home: 1, Away: 0}, outcome.Score{}), "Under 2.5", false},
		{"half-time draw", footballPool(3, "19433600", "Draw HT", outcome.Score{Home: 3, Away: 1}, outcome.Score{Home: 1, Away: 1}), "Draw HT", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore(tc.pool)
			oracle := newFakeOracle()
			pub := &recordingPublisher{}
			report, err := newTestPipeline(store, oracle, nil, nil, pub).ProcessAllPools(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if report.Settled != 1 || report.Submitted != 1 {
				t.Fatalf("unexpected report %+v", report)
			}
			if len(oracle.submitted) != 1 || oracle.submitted[0] != tc.submitted {
				t.Fatalf("oracle received %v, want %q", oracle.submitted, tc.submitted)
			}
			if oracle.settles[0] != bytes32(t, tc.submitted) {
				t.Fatal("settlePool must carry the right-padded outcome")
			}
			st, ok := store.last(tc.pool.Pool.ID).(storage.Settled)
			if !ok {
				t.Fatalf("expected settled state, got %#v", store.last(tc.pool.Pool.ID))
			}
			if st.CreatorSideWon != tc.won {
				t.Fatalf("creator_side_won = %v, want %v", st.CreatorSideWon, tc.won)
			}
			sub, ok := store.submissions[tc.pool.Pool.MarketID]
			if !ok || string(sub.Outcome) != tc.submitted || sub.BlockNumber != 77 {
				t.Fatalf("submission row missing or wrong: %+v", sub)
			}
			if len(pub.events) != 1 || pub.events[0].Type != broadcast.EventPoolSettled || *pub.events[0].CreatorSideWon != tc.won {
				t.Fatalf("unexpected broadcast %+v", pub.events)
			}
		})
	}
}

func TestCryptoThreshold(t *testing.T) {
	pool := cryptoPool(9, "SOL above $195")
	store := newFakeStore(pool)
	oracle := newFakeOracle()
	prices := fakePrices{usd: decimal.RequireFromString("201.40")}

	if _, err := newTestPipeline(store, oracle, prices, nil, nil).ProcessAllPools(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(oracle.submitted) != 1 || oracle.submitted[0] != "SOL above $195" {
		t.Fatalf("unexpected submission %v", oracle.submitted)
	}
	if st := store.last(9).(storage.Settled); !st.CreatorSideWon {
		t.Fatal("creator side should win")
	}
}

func TestCryptoBeforeDeadlineSkipped(t *testing.T) {
	pred, _ := outcome.Parse("BTC below $90000")
	pool := storage.SettleablePool{Pool: storage.Pool{
		ID: 10, MarketID: "BTC_90000_below_1762200000", Category: outcome.CategoryCrypto,
		PredictedOutcome: "BTC below $90000", Family: &pred, EventEnd: testNow.Add(time.Hour),
	}}
	oracle := newFakeOracle()
	report, err := newTestPipeline(newFakeStore(pool), oracle, fakePrices{usd: decimal.NewFromInt(1)}, nil, nil).ProcessAllPools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 1 || report.Pools[0].Reason != ReasonEventNotEnded || len(oracle.submitted) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestEmptyPoolRefund(t *testing.T) {
	pool := footballPool(4, "19440000", "Home", outcome.Score{Home: 0, Away: 1}, outcome.Score{})
	pool.Pool.ArbitrationDeadline = testNow.Add(-time.Minute)
	store := newFakeStore(pool)
	oracle := newFakeOracle()
	oracle.bettor = decimal.Zero
	pub := &recordingPublisher{}

	report, err := newTestPipeline(store, oracle, nil, nil, pub).ProcessAllPools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Refunded != 1 || oracle.refunds != 1 || len(oracle.settles) != 0 {
		t.Fatalf("expected exactly one refund, report %+v", report)
	}
	st, ok := store.last(4).(storage.Refunded)
	if !ok || st.TxHash == "" {
		t.Fatalf("expected refunded state, got %#v", store.last(4))
	}
	if pub.events[0].Type != broadcast.EventPoolRefunded {
		t.Fatalf("unexpected broadcast %+v", pub.events)
	}
}

func TestEmptyPoolWaitsForArbitration(t *testing.T) {
	pool := footballPool(5, "19440001", "Away", outcome.Score{Home: 0, Away: 1}, outcome.Score{})
	oracle := newFakeOracle()
	oracle.bettor = decimal.Zero

	report, err := newTestPipeline(newFakeStore(pool), oracle, nil, nil, nil).ProcessAllPools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Pools[0].Reason != ReasonAwaitingDeadline || oracle.refunds != 0 {
		t.Fatalf("refund must wait for the arbitration deadline, got %+v", report.Pools[0])
	}
}

func TestAlreadyRefundedIsSuccess(t *testing.T) {
	pool := footballPool(6, "19440002", "Draw", outcome.Score{}, outcome.Score{})
	pool.Pool.ArbitrationDeadline = testNow.Add(-time.Hour)
	store := newFakeStore(pool)
	oracle := newFakeOracle()
	oracle.bettor = decimal.Zero
	oracle.refundErr = &chain.RevertError{Method: "refundPool", Reason: "Already refunded"}

	report, _ := newTestPipeline(store, oracle, nil, nil, nil).ProcessAllPools(context.Background())
	if report.Refunded != 1 {
		t.Fatalf("already refunded revert should count as refunded, got %+v", report.Pools[0])
	}
}

func TestExistingOracleOutcomeIsNotResubmitted(t *testing.T) {
	pool := footballPool(7, "19425985", "Home wins", outcome.Score{Home: 2, Away: 1}, outcome.Score{})
	store := newFakeStore(pool)
	oracle := newFakeOracle()
	oracle.outcomes["19425985"] = []byte("Home wins")

	report, err := newTestPipeline(store, oracle, nil, nil, nil).ProcessAllPools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(oracle.submitted) != 0 || report.Submitted != 0 || report.Settled != 1 {
		t.Fatalf("read-before-write must prevent a second submission, report %+v", report)
	}
}

func cryptoPool(id int64, predicted string) storage.SettleablePool {
	pred, _ := outcome.Parse(predicted)
	return storage.SettleablePool{Pool: storage.Pool{
		ID:               id,
		MarketID:         "SOL_195_above_1762103615",
		Category:         outcome.CategoryCrypto,
		PredictedOutcome: predicted,
		Family:           &pred,
		EventEnd:         time.Unix(1762103615, 0).UTC(),
	}}
}

func TestOracleConflictSkipsAndAlerts(t *testing.T) {
	pool := cryptoPool(8, "SOL above $195")
	oracle := newFakeOracle()
	oracle.outcomes[pool.Pool.MarketID] = []byte("SOL above $200")
	notifier := &recordingNotifier{}
	prices := fakePrices{usd: decimal.RequireFromString("201.40")}

	report, _ := newTestPipeline(newFakeStore(pool), oracle, prices, notifier, nil).ProcessAllPools(context.Background())
	if report.Pools[0].Reason != ReasonOutcomeConflict || !errors.Is(report.Pools[0].Err, ErrOutcomeConflict) {
		t.Fatalf("unexpected pool outcome %+v", report.Pools[0])
	}
	if len(oracle.settles) != 0 || len(notifier.notes) != 1 || notifier.notes[0].Severity != alerting.SeverityCritical {
		t.Fatal("conflict must not settle and must alert")
	}
}

func TestCryptoSettlesWithStoredOpposite(t *testing.T) {
	pool := cryptoPool(18, "SOL above $195")
	store := newFakeStore(pool)
	oracle := newFakeOracle()
	// submitted while the spot was below target; the price has since crossed
	oracle.outcomes[pool.Pool.MarketID] = []byte("SOL below $195")
	prices := fakePrices{usd: decimal.RequireFromString("201.40")}

	report, err := newTestPipeline(store, oracle, prices, nil, nil).ProcessAllPools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Settled != 1 || len(oracle.submitted) != 0 {
		t.Fatalf("unexpected report %+v", report.Pools[0])
	}
	if oracle.settles[0] != bytes32(t, "SOL below $195") {
		t.Fatal("settlement must use the outcome already on the oracle")
	}
	if st := store.last(18).(storage.Settled); st.CreatorSideWon {
		t.Fatal("creator side lost on the stored outcome")
	}
}

func TestPoolsSharingFixtureAllSettle(t *testing.T) {
	ft, ht := outcome.Score{Home: 2, Away: 1}, outcome.Score{Home: 1, Away: 0}
	pools := []storage.SettleablePool{
		footballPool(20, "19425985", "Home wins", ft, ht),
		footballPool(21, "19425985", "Over 2.5", ft, ht),
		footballPool(22, "19425985", "No", ft, ht),
	}
	store := newFakeStore(pools...)
	oracle := newFakeOracle()

	report, err := newTestPipeline(store, oracle, nil, nil, nil).ProcessAllPools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Settled != 3 || report.Skipped != 0 {
		t.Fatalf("every pool on the fixture must settle, got %+v", report.Pools)
	}
	if len(oracle.submitted) != 1 || oracle.submitted[0] != "Home wins" {
		t.Fatalf("the market slot is written once, got %v", oracle.submitted)
	}
	want := []string{"Home wins", "Over 2.5", "Yes"}
	for i, w := range want {
		if oracle.settles[i] != bytes32(t, w) {
			t.Fatalf("pool %d settled with %q, want %q", pools[i].Pool.ID, outcome.FromBytes32(oracle.settles[i]), w)
		}
	}
	if st := store.last(22).(storage.Settled); st.CreatorSideWon {
		t.Fatal("btts No loses when both teams scored")
	}
}

func TestSecondPassSendsNothing(t *testing.T) {
	ft := outcome.Score{Home: 0, Away: 0}
	store := newFakeStore(
		footballPool(23, "19433520", "Under 2.5", ft, ft),
		footballPool(24, "19433520", "Draw", ft, ft),
	)
	oracle := newFakeOracle()
	p := newTestPipeline(store, oracle, nil, nil, nil)

	if _, err := p.ProcessAllPools(context.Background()); err != nil {
		t.Fatal(err)
	}
	report, err := p.ProcessAllPools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Selected != 0 || len(oracle.submitted) != 1 || len(oracle.settles) != 2 {
		t.Fatalf("second pass must send no transaction: selected=%d submits=%v settles=%d", report.Selected, oracle.submitted, len(oracle.settles))
	}
}

func TestReportCarriesDuration(t *testing.T) {
	calls := 0
	clock := func() time.Time {
		calls++
		return testNow.Add(time.Duration(calls) * time.Second)
	}
	p := NewPipeline(newFakeStore(), newFakeOracle(), nil, nil, nil, Options{Clock: clock}, zerolog.Nop())
	report, err := p.ProcessAllPools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Duration <= 0 {
		t.Fatalf("returned report must carry the pass duration, got %s", report.Duration)
	}
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	pool := footballPool(11, "19425985", "Home wins", outcome.Score{Home: 2, Away: 1}, outcome.Score{})
	store := newFakeStore(pool)
	oracle := newFakeOracle()
	oracle.submitErrs = []error{errors.New("connection reset by peer"), errors.New("i/o timeout")}

	p := newTestPipeline(store, oracle, nil, nil, nil)
	var waits []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	report, _ := p.ProcessAllPools(context.Background())
	if report.Settled != 1 || len(oracle.submitted) != 1 {
		t.Fatalf("third attempt should succeed, report %+v", report.Pools[0])
	}
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 4*time.Second {
		t.Fatalf("unexpected backoff %v", waits)
	}
}

func TestSubmitExhaustionLeavesNoRow(t *testing.T) {
	pool := footballPool(12, "19425985", "Home wins", outcome.Score{Home: 2, Away: 1}, outcome.Score{})
	store := newFakeStore(pool)
	oracle := newFakeOracle()
	transient := errors.New("503 service unavailable: timeout")
	oracle.submitErrs = []error{transient, transient, transient, transient}

	report, _ := newTestPipeline(store, oracle, nil, nil, nil).ProcessAllPools(context.Background())
	if report.Failed != 1 || report.Pools[0].Reason != ReasonSubmitFailed {
		t.Fatalf("unexpected pool outcome %+v", report.Pools[0])
	}
	if len(store.submissions) != 0 || len(oracle.settles) != 0 {
		t.Fatal("failed submission must leave no row and no settlement")
	}
}

func TestAlreadySettledReadsBack(t *testing.T) {
	pool := footballPool(13, "19425985", "Home wins", outcome.Score{Home: 2, Away: 1}, outcome.Score{})
	store := newFakeStore(pool)
	oracle := newFakeOracle()
	oracle.settleErr = &chain.RevertError{Method: "settlePool", Reason: "Already settled"}
	oracle.onchain = chain.PoolOnChain{ID: 13, IsSettled: true, Result: bytes32(t, "Home wins"), CreatorSideWon: true}

	report, _ := newTestPipeline(store, oracle, nil, nil, nil).ProcessAllPools(context.Background())
	if report.Settled != 1 {
		t.Fatalf("already settled revert is success, got %+v", report.Pools[0])
	}
	if st := store.last(13).(storage.Settled); !st.CreatorSideWon || st.Result != bytes32(t, "Home wins") {
		t.Fatalf("state must be read back from the contract, got %+v", st)
	}
}

func TestOtherRevertDoesNotAdvance(t *testing.T) {
	pool := footballPool(14, "19425985", "Home wins", outcome.Score{Home: 2, Away: 1}, outcome.Score{})
	store := newFakeStore(pool)
	oracle := newFakeOracle()
	oracle.settleErr = &chain.RevertError{Method: "settlePool", Reason: "Pool not ended", Code: 3}

	report, _ := newTestPipeline(store, oracle, nil, nil, nil).ProcessAllPools(context.Background())
	if report.Failed != 1 || report.Pools[0].Reason != ReasonSettleFailed {
		t.Fatalf("unexpected pool outcome %+v", report.Pools[0])
	}
	if _, ok := store.last(14).(storage.Settled); ok {
		t.Fatal("state must not advance on revert")
	}
}

func TestFormatMismatchSkippedWithAlert(t *testing.T) {
	pool := footballPool(15, "19425985", "Over 2.5 goals", outcome.Score{Home: 2, Away: 1}, outcome.Score{})
	oracle := newFakeOracle()
	notifier := &recordingNotifier{}

	report, _ := newTestPipeline(newFakeStore(pool), oracle, nil, notifier, nil).ProcessAllPools(context.Background())
	if report.Pools[0].Reason != ReasonFormatMismatch || len(oracle.submitted) != 0 {
		t.Fatalf("unexpected pool outcome %+v", report.Pools[0])
	}
	if len(notifier.notes) != 1 || notifier.notes[0].Fields["pool_id"] != "15" {
		t.Fatalf("format mismatch must alert, got %+v", notifier.notes)
	}
}

func TestMarketFixtureMismatchSkipped(t *testing.T) {
	pool := footballPool(16, "19425985", "Home", outcome.Score{Home: 2, Away: 1}, outcome.Score{})
	other := int64(19425986)
	pool.Pool.FixtureID = &other

	report, _ := newTestPipeline(newFakeStore(pool), newFakeOracle(), nil, nil, nil).ProcessAllPools(context.Background())
	if !errors.Is(report.Pools[0].Err, ErrDataIntegrity) {
		t.Fatalf("market id must equal fixture id exactly, got %+v", report.Pools[0])
	}
}

func TestUnknownFamilySkipped(t *testing.T) {
	pool := footballPool(17, "19425985", "Corners over nine", outcome.Score{}, outcome.Score{})

	report, _ := newTestPipeline(newFakeStore(pool), newFakeOracle(), nil, nil, nil).ProcessAllPools(context.Background())
	if report.Skipped != 1 || report.Pools[0].Reason != ReasonUnknownFamily {
		t.Fatalf("unexpected pool outcome %+v", report.Pools[0])
	}
}

func TestHealFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.healErr = errors.New("connection lost")
	if _, err := newTestPipeline(store, newFakeOracle(), nil, nil, nil).ProcessAllPools(context.Background()); err == nil {
		t.Fatal("healing failure must be returned")
	}
}

func TestCorruptRowsDoNotAbortThePass(t *testing.T) {
	store := newFakeStore(footballPool(25, "19425985", "Home", outcome.Score{Home: 1}, outcome.Score{}))
	store.listErr = fmt.Errorf("%w: pool 26 market family: unexpected end of JSON input", storage.ErrCorruptRow)
	oracle := newFakeOracle()

	report, err := newTestPipeline(store, oracle, nil, nil, nil).ProcessAllPools(context.Background())
	if err != nil {
		t.Fatalf("an undecodable row must not fail the pass: %v", err)
	}
	if report.Settled != 1 {
		t.Fatalf("decodable pools must still settle, got %+v", report)
	}
}

func TestSelectionFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("connection lost")
	if _, err := newTestPipeline(store, newFakeOracle(), nil, nil, nil).ProcessAllPools(context.Background()); err == nil {
		t.Fatal("selection failure must be returned")
	}
}
