package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"settlement-core/internal/outcome"
	"settlement-core/internal/provider"
	"settlement-core/internal/provider/football"
	"settlement-core/internal/storage"
)

var now = time.Date(2025, 11, 2, 20, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu       sync.Mutex
	results  map[int64]football.Result
	failIDs  map[int64]bool
	batches  [][]int64
	fixtures map[string][]football.Fixture
}

func (f *fakeSource) FetchFixtureResults(_ context.Context, ids []int64) ([]football.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, ids)
	out := make([]football.Result, 0, len(ids))
	for _, id := range ids {
		if f.failIDs[id] {
			return nil, provider.NewTransient("fetch fixture results", errors.New("503"))
		}
		if res, ok := f.results[id]; ok {
			out = append(out, res)
		}
	}
	return out, nil
}

func (f *fakeSource) FetchFixturesByDate(_ context.Context, day time.Time) ([]football.Fixture, error) {
	return f.fixtures[day.Format(time.DateOnly)], nil
}

type fakeStore struct {
	mu       sync.Mutex
	awaiting []storage.Fixture
	results  map[int64]storage.FixtureResult
	problems map[int64]storage.ResultProblem
	upserted []storage.Fixture
	before   time.Time
	failAll  bool
}

func newFakeStore(ids ...int64) *fakeStore {
	s := &fakeStore{results: map[int64]storage.FixtureResult{}, problems: map[int64]storage.ResultProblem{}}
	for _, id := range ids {
		s.awaiting = append(s.awaiting, storage.Fixture{ID: id})
	}
	return s
}

func (s *fakeStore) UpsertFixtures(_ context.Context, fixtures []storage.Fixture) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted = append(s.upserted, fixtures...)
	return int64(len(fixtures)), nil
}

func (s *fakeStore) ListFixturesAwaitingResult(_ context.Context, before time.Time, _ int) ([]storage.Fixture, error) {
	s.before = before
	return s.awaiting, nil
}

func (s *fakeStore) InsertFixtureResult(_ context.Context, r storage.FixtureResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return false, errors.New("connection reset")
	}
	if _, ok := s.results[r.FixtureID]; ok {
		return false, nil
	}
	s.results[r.FixtureID] = r
	return true, nil
}

func (s *fakeStore) RecordResultProblem(_ context.Context, p storage.ResultProblem, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.problems[p.FixtureID] = p
	return nil
}

func finished(id int64, ft, ht outcome.Score) football.Result {
	at := now.Add(-time.Hour)
	return football.Result{FixtureID: id, State: football.StateFullTime, FT: &ft, HT: &ht, FinishedAt: &at}
}

func newWorker(src *fakeSource, store *fakeStore, batch int) *Worker {
	return NewWorker(src, store, Options{BatchSize: batch, Concurrency: 2, Clock: func() time.Time { return now }}, zerolog.Nop())
}

func TestRunOnceStoresOutcomes(t *testing.T) {
	pendingFT := outcome.Score{Home: 1, Away: 0}
	src := &fakeSource{results: map[int64]football.Result{
		19425985: finished(19425985, outcome.Score{Home: 2, Away: 1}, outcome.Score{Home: 1, Away: 1}),
		19433520: finished(19433520, outcome.Score{}, outcome.Score{}),
		3:        {FixtureID: 3, State: football.StateFullTime, FT: &pendingFT, HT: &pendingFT},
		4:        {FixtureID: 4, State: "ABANDONED", Problem: provider.NewPermanent("normalize", fmt.Errorf("%w: state ABANDONED", football.ErrAbandoned))},
	}}
	store := newFakeStore(19425985, 19433520, 3, 4)

	report, err := newWorker(src, store, 25).RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.RunID == "" || report.Scanned != 4 || report.Inserted != 2 || report.Pending != 1 || report.Problems != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !store.before.Equal(now.Add(-30 * time.Minute)) {
		t.Fatalf("scan cutoff should be kickoff older than 30 minutes, got %s", store.before)
	}

	home := store.results[19425985].Outcomes
	if home.Result1X2 != outcome.Home || home.HTResult != outcome.Draw || home.BTTS != outcome.Yes {
		t.Fatalf("unexpected outcomes %+v", home)
	}
	nil0 := store.results[19433520].Outcomes
	if nil0.Result1X2 != outcome.Draw || nil0.OU25 != outcome.Under || nil0.BTTS != outcome.No {
		t.Fatalf("0-0 must be Draw/Under/No, got %+v", nil0)
	}
	if _, ok := store.results[3]; ok {
		t.Fatal("result inside the terminal guard must not be stored")
	}
	if store.problems[4].Kind != ProblemAbandoned {
		t.Fatalf("expected abandoned problem, got %+v", store.problems[4])
	}
}

func TestRunOnceContinuesPastFailedBatch(t *testing.T) {
	src := &fakeSource{
		results: map[int64]football.Result{
			1: finished(1, outcome.Score{Home: 1}, outcome.Score{}),
			2: finished(2, outcome.Score{Away: 1}, outcome.Score{}),
			3: finished(3, outcome.Score{Home: 3, Away: 3}, outcome.Score{}),
		},
		failIDs: map[int64]bool{2: true},
	}
	store := newFakeStore(1, 2, 3)

	report, err := newWorker(src, store, 1).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("provider failures must not fail the tick: %v", err)
	}
	if len(src.batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(src.batches))
	}
	if report.Inserted != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunOnceSurfacesStorageErrors(t *testing.T) {
	src := &fakeSource{results: map[int64]football.Result{1: finished(1, outcome.Score{}, outcome.Score{})}}
	store := newFakeStore(1)
	store.failAll = true

	if _, err := newWorker(src, store, 25).RunOnce(context.Background()); err == nil {
		t.Fatal("storage failure should be returned")
	}
}

func TestRunOnceIsIdempotent(t *testing.T) {
	src := &fakeSource{results: map[int64]football.Result{1: finished(1, outcome.Score{Home: 2}, outcome.Score{Home: 1})}}
	store := newFakeStore(1)
	w := newWorker(src, store, 25)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := store.results[1]

	changed := outcome.Score{Home: 0, Away: 4}
	src.results[1] = finished(1, changed, changed)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.results[1].Outcomes != first.Outcomes {
		t.Fatal("outcomes are computed once and never rewritten")
	}
}

func TestSyncFixtures(t *testing.T) {
	src := &fakeSource{fixtures: map[string][]football.Fixture{
		"2025-11-02": {{ID: 1, HomeTeam: "A", AwayTeam: "B", OddsHome: decimal.RequireFromString("1.5")}},
		"2025-11-03": {{ID: 2}, {ID: 3}},
	}}
	store := newFakeStore()

	n, err := newWorker(src, store, 25).SyncFixtures(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || len(store.upserted) != 3 {
		t.Fatalf("expected 3 fixtures upserted, got %d", n)
	}
	if !store.upserted[0].Odds.Home.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("odds not carried: %+v", store.upserted[0].Odds)
	}
}

func TestRunOnceCountsExistingResultsSeparately(t *testing.T) {
	src := &fakeSource{results: map[int64]football.Result{1: finished(1, outcome.Score{Home: 1}, outcome.Score{})}}
	store := newFakeStore(1)
	w := newWorker(src, store, 25)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	report, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Inserted != 0 || report.Existing != 1 {
		t.Fatalf("a result already stored must not count as inserted, got %+v", report)
	}
}

func TestTickRefreshesFixturesHourly(t *testing.T) {
	src := &fakeSource{fixtures: map[string][]football.Fixture{
		"2025-11-02": {{ID: 1}},
		"2025-11-03": {{ID: 2}},
	}}
	store := newFakeStore()
	clock := now
	w := NewWorker(src, store, Options{FixtureDays: 1, Clock: func() time.Time { return clock }}, zerolog.Nop())

	if err := w.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.upserted) != 2 {
		t.Fatalf("first tick must sync fixtures, got %d rows", len(store.upserted))
	}

	clock = clock.Add(5 * time.Minute)
	if err := w.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.upserted) != 2 {
		t.Fatalf("fixtures must not be refetched within the hour, got %d rows", len(store.upserted))
	}

	clock = clock.Add(time.Hour)
	if err := w.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.upserted) != 4 {
		t.Fatalf("fixtures must be refreshed after an hour, got %d rows", len(store.upserted))
	}
}
