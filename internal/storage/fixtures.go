package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"settlement-core/internal/outcome"
)

const (
	upsertFixtureSQL = `INSERT INTO fixtures (
        fixture_id,
        home_team,
        away_team,
        league_id,
        league_name,
        kickoff,
        status,
        odds_home,
        odds_draw,
        odds_away,
        odds_over25,
        odds_under25,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW()
    )
    ON CONFLICT (fixture_id) DO UPDATE
    SET
        home_team    = EXCLUDED.home_team,
        away_team    = EXCLUDED.away_team,
        league_id    = EXCLUDED.league_id,
        league_name  = EXCLUDED.league_name,
        kickoff      = EXCLUDED.kickoff,
        status       = EXCLUDED.status,
        odds_home    = COALESCE(EXCLUDED.odds_home, fixtures.odds_home),
        odds_draw    = COALESCE(EXCLUDED.odds_draw, fixtures.odds_draw),
        odds_away    = COALESCE(EXCLUDED.odds_away, fixtures.odds_away),
        odds_over25  = COALESCE(EXCLUDED.odds_over25, fixtures.odds_over25),
        odds_under25 = COALESCE(EXCLUDED.odds_under25, fixtures.odds_under25),
        updated_at   = NOW();`

	fixtureColumns = `f.fixture_id,
        f.home_team,
        f.away_team,
        f.league_id,
        f.league_name,
        f.kickoff,
        f.status,
        f.odds_home::text,
        f.odds_draw::text,
        f.odds_away::text,
        f.odds_over25::text,
        f.odds_under25::text,
        f.updated_at`

	listFixturesAwaitingResultSQL = `SELECT ` + fixtureColumns + `
    FROM fixtures f
    LEFT JOIN fixture_results r ON r.fixture_id = f.fixture_id
    WHERE r.fixture_id IS NULL
      AND f.kickoff <= $1
      AND NOT EXISTS (
        SELECT 1 FROM fixture_result_problems p WHERE p.fixture_id = f.fixture_id
      )
    ORDER BY f.kickoff
    LIMIT $2;`

	listFixturesBetweenSQL = `SELECT ` + fixtureColumns + `
    FROM fixtures f
    WHERE f.kickoff >= $1
      AND f.kickoff < $2
      AND (cardinality($3::bigint[]) = 0 OR f.league_id = ANY($3::bigint[]))
    ORDER BY f.kickoff, f.fixture_id;`

	setFixtureStatusSQL = `UPDATE fixtures SET status = $2, updated_at = NOW() WHERE fixture_id = $1;`

	insertFixtureResultSQL = `INSERT INTO fixture_results (
        fixture_id,
        ft_home, ft_away,
        ht_home, ht_away,
        aet_home, aet_away,
        pen_home, pen_away,
        outcome_1x2,
        outcome_ou05, outcome_ou15, outcome_ou25, outcome_ou35, outcome_ou45,
        outcome_btts,
        outcome_ht_result,
        outcome_ht_ou05, outcome_ht_ou15,
        finished_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
    )
    ON CONFLICT (fixture_id) DO NOTHING;`

	resultColumns = `r.fixture_id,
        r.ft_home, r.ft_away,
        r.ht_home, r.ht_away,
        r.aet_home, r.aet_away,
        r.pen_home, r.pen_away,
        r.outcome_1x2,
        r.outcome_ou05, r.outcome_ou15, r.outcome_ou25, r.outcome_ou35, r.outcome_ou45,
        r.outcome_btts,
        r.outcome_ht_result,
        r.outcome_ht_ou05, r.outcome_ht_ou15,
        r.finished_at,
        r.created_at`

	getFixtureResultsSQL = `SELECT ` + resultColumns + `
    FROM fixture_results r
    WHERE r.fixture_id = ANY($1::bigint[]);`

	insertResultProblemSQL = `INSERT INTO fixture_result_problems (
        fixture_id,
        kind,
        detail,
        observed_at
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (fixture_id, kind) DO UPDATE
    SET detail = EXCLUDED.detail,
        observed_at = EXCLUDED.observed_at;`
)

// FixtureStore persists fixtures and their authoritative results.
type FixtureStore interface {
	UpsertFixtures(ctx context.Context, fixtures []Fixture) (int64, error)
	ListFixturesAwaitingResult(ctx context.Context, kickoffBefore time.Time, limit int) ([]Fixture, error)
	ListFixturesBetween(ctx context.Context, from, to time.Time, leagues []int64) ([]Fixture, error)
	InsertFixtureResult(ctx context.Context, result FixtureResult) (bool, error)
	RecordResultProblem(ctx context.Context, problem ResultProblem, status string) error
	GetFixtureResults(ctx context.Context, ids []int64) (map[int64]FixtureResult, error)
}

var _ FixtureStore = (*Store)(nil)

// UpsertFixtures inserts or refreshes fixtures in one batch.
func (s *Store) UpsertFixtures(ctx context.Context, fixtures []Fixture) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(fixtures) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, f := range fixtures {
		batch.Queue(upsertFixtureSQL,
			f.ID,
			f.HomeTeam,
			f.AwayTeam,
			f.LeagueID,
			f.LeagueName,
			f.Kickoff.UTC(),
			f.Status,
			nullableDecimal(f.Odds.Home),
			nullableDecimal(f.Odds.Draw),
			nullableDecimal(f.Odds.Away),
			nullableDecimal(f.Odds.Over25),
			nullableDecimal(f.Odds.Under25),
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	var affected int64
	for range fixtures {
		tag, execErr := results.Exec()
		if execErr != nil {
			return affected, fmt.Errorf("upsert fixture: %w", execErr)
		}
		affected += tag.RowsAffected()
	}
	return affected, nil
}

// ListFixturesAwaitingResult lists fixtures without a result whose kickoff is before the cutoff.
// Fixtures with a recorded problem are left for operators.
func (s *Store) ListFixturesAwaitingResult(ctx context.Context, kickoffBefore time.Time, limit int) ([]Fixture, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listFixturesAwaitingResultSQL, kickoffBefore, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list fixtures awaiting result: %w", queryErr)
	}
	return collectFixtures(rows)
}

// ListFixturesBetween lists fixtures kicking off in [from, to), optionally restricted to leagues.
func (s *Store) ListFixturesBetween(ctx context.Context, from, to time.Time, leagues []int64) ([]Fixture, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if leagues == nil {
		leagues = []int64{}
	}

	rows, queryErr := pool.Query(ctx, listFixturesBetweenSQL, from, to, leagues)
	if queryErr != nil {
		return nil, fmt.Errorf("list fixtures between: %w", queryErr)
	}
	return collectFixtures(rows)
}

// InsertFixtureResult writes a result once; it reports false when a result already existed.
func (s *Store) InsertFixtureResult(ctx context.Context, result FixtureResult) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	if !result.Outcomes.Complete() {
		return false, fmt.Errorf("fixture %d: refusing to store incomplete outcomes", result.FixtureID)
	}

	o := result.Outcomes
	var inserted bool
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		tag, execErr := tx.Exec(ctx, insertFixtureResultSQL,
			result.FixtureID,
			result.FT.Home, result.FT.Away,
			result.HT.Home, result.HT.Away,
			scoreHome(result.AET), scoreAway(result.AET),
			scoreHome(result.Penalties), scoreAway(result.Penalties),
			o.Result1X2,
			o.OU05, o.OU15, o.OU25, o.OU35, o.OU45,
			o.BTTS,
			o.HTResult,
			o.HTOU05, o.HTOU15,
			result.FinishedAt.UTC(),
		)
		if execErr != nil {
			return execErr
		}
		inserted = tag.RowsAffected() == 1
		if !inserted {
			return nil
		}
		_, execErr = tx.Exec(ctx, setFixtureStatusSQL, result.FixtureID, "FT")
		return execErr
	})
	if txErr != nil {
		return false, fmt.Errorf("insert fixture result %d: %w", result.FixtureID, txErr)
	}
	return inserted, nil
}

// RecordResultProblem stores a poisoned provider record and updates the fixture status.
func (s *Store) RecordResultProblem(ctx context.Context, problem ResultProblem, status string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	observed := problem.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, execErr := tx.Exec(ctx, insertResultProblemSQL, problem.FixtureID, problem.Kind, problem.Detail, observed); execErr != nil {
			return execErr
		}
		if status == "" {
			return nil
		}
		_, execErr := tx.Exec(ctx, setFixtureStatusSQL, problem.FixtureID, status)
		return execErr
	})
	if txErr != nil {
		return fmt.Errorf("record result problem %d: %w", problem.FixtureID, txErr)
	}
	return nil
}

// GetFixtureResults loads results keyed by fixture id. Missing fixtures are absent from the map.
func (s *Store) GetFixtureResults(ctx context.Context, ids []int64) (map[int64]FixtureResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, getFixtureResultsSQL, ids)
	if queryErr != nil {
		return nil, fmt.Errorf("get fixture results: %w", queryErr)
	}
	defer rows.Close()

	out := make(map[int64]FixtureResult, len(ids))
	for rows.Next() {
		var raw resultRow
		if err := rows.Scan(raw.dest()...); err != nil {
			return nil, fmt.Errorf("scan fixture result: %w", err)
		}
		res, ok := raw.result()
		if !ok {
			continue
		}
		out[res.FixtureID] = res
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func collectFixtures(rows pgx.Rows) ([]Fixture, error) {
	defer rows.Close()

	fixtures := make([]Fixture, 0)
	for rows.Next() {
		f, err := scanFixture(rows)
		if err != nil {
			return nil, err
		}
		fixtures = append(fixtures, f)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return fixtures, nil
}

func scanFixture(row rowScanner) (Fixture, error) {
	var f Fixture
	var home, draw, away, over, under *string
	if err := row.Scan(
		&f.ID,
		&f.HomeTeam,
		&f.AwayTeam,
		&f.LeagueID,
		&f.LeagueName,
		&f.Kickoff,
		&f.Status,
		&home,
		&draw,
		&away,
		&over,
		&under,
		&f.UpdatedAt,
	); err != nil {
		return Fixture{}, fmt.Errorf("scan fixture: %w", err)
	}

	var err error
	if f.Odds.Home, err = parseNullableDecimal(home); err != nil {
		return Fixture{}, err
	}
	if f.Odds.Draw, err = parseNullableDecimal(draw); err != nil {
		return Fixture{}, err
	}
	if f.Odds.Away, err = parseNullableDecimal(away); err != nil {
		return Fixture{}, err
	}
	if f.Odds.Over25, err = parseNullableDecimal(over); err != nil {
		return Fixture{}, err
	}
	if f.Odds.Under25, err = parseNullableDecimal(under); err != nil {
		return Fixture{}, err
	}
	f.Kickoff = f.Kickoff.UTC()
	return f, nil
}

// resultRow holds the nullable columns of a fixture_results row (possibly from a LEFT JOIN).
type resultRow struct {
	fixtureID                        *int64
	ftHome, ftAway, htHome, htAway   *int
	aetHome, aetAway, penHome, penAway *int
	o1x2                             *string
	ou05, ou15, ou25, ou35, ou45     *string
	btts, htResult, htOU05, htOU15   *string
	finishedAt, createdAt            *time.Time
}

func (r *resultRow) dest() []any {
	return []any{
		&r.fixtureID,
		&r.ftHome, &r.ftAway,
		&r.htHome, &r.htAway,
		&r.aetHome, &r.aetAway,
		&r.penHome, &r.penAway,
		&r.o1x2,
		&r.ou05, &r.ou15, &r.ou25, &r.ou35, &r.ou45,
		&r.btts,
		&r.htResult,
		&r.htOU05, &r.htOU15,
		&r.finishedAt,
		&r.createdAt,
	}
}

// result converts the row. ok is false when the join produced no row or the
// row lacks scores or a finish time.
func (r *resultRow) result() (FixtureResult, bool) {
	if r.fixtureID == nil || r.ftHome == nil || r.ftAway == nil || r.htHome == nil || r.htAway == nil || r.finishedAt == nil {
		return FixtureResult{}, false
	}
	res := FixtureResult{
		FixtureID:  *r.fixtureID,
		FT:         outcome.Score{Home: *r.ftHome, Away: *r.ftAway},
		HT:         outcome.Score{Home: *r.htHome, Away: *r.htAway},
		FinishedAt: r.finishedAt.UTC(),
		Outcomes: outcome.Outcomes{
			Result1X2: deref(r.o1x2),
			OU05:      deref(r.ou05),
			OU15:      deref(r.ou15),
			OU25:      deref(r.ou25),
			OU35:      deref(r.ou35),
			OU45:      deref(r.ou45),
			BTTS:      deref(r.btts),
			HTResult:  deref(r.htResult),
			HTOU05:    deref(r.htOU05),
			HTOU15:    deref(r.htOU15),
		},
	}
	if r.aetHome != nil && r.aetAway != nil {
		res.AET = &outcome.Score{Home: *r.aetHome, Away: *r.aetAway}
	}
	if r.penHome != nil && r.penAway != nil {
		res.Penalties = &outcome.Score{Home: *r.penHome, Away: *r.penAway}
	}
	if r.createdAt != nil {
		res.CreatedAt = r.createdAt.UTC()
	}
	return res, true
}

func scoreHome(s *outcome.Score) any {
	if s == nil {
		return nil
	}
	return s.Home
}

func scoreAway(s *outcome.Score) any {
	if s == nil {
		return nil
	}
	return s.Away
}

func nullableDecimal(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func parseNullableDecimal(s *string) (decimal.Decimal, error) {
	if s == nil {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", *s, err)
	}
	return d, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
