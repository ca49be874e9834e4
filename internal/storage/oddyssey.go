package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	cycleColumns = `c.cycle_id,
        c.cycle_date,
        c.matches,
        c.cycle_end_time,
        c.prize_pool::text,
        c.ready_for_resolution,
        c.is_resolved,
        c.resolved_at,
        c.start_tx_hash,
        c.resolve_tx_hash,
        c.created_at`

	getCycleSQL = `SELECT ` + cycleColumns + `
    FROM oddyssey_cycles c
    WHERE c.cycle_id = $1;`

	getCycleByDateSQL = `SELECT ` + cycleColumns + `
    FROM oddyssey_cycles c
    WHERE c.cycle_date = $1::date;`

	listUnresolvedCyclesSQL = `SELECT ` + cycleColumns + `
    FROM oddyssey_cycles c
    WHERE c.is_resolved = FALSE
      AND c.cycle_end_time <= $1
    ORDER BY c.cycle_id;`

	listCyclesSQL = `SELECT ` + cycleColumns + `
    FROM oddyssey_cycles c
    ORDER BY c.cycle_id DESC
    LIMIT $1;`

	markCycleReadySQL = `UPDATE oddyssey_cycles
    SET ready_for_resolution = TRUE
    WHERE cycle_id = $1;`

	markCycleResolvedSQL = `UPDATE oddyssey_cycles
    SET is_resolved = TRUE,
        ready_for_resolution = TRUE,
        resolved_at = COALESCE(resolved_at, $2),
        resolve_tx_hash = COALESCE(resolve_tx_hash, NULLIF($3, ''))
    WHERE cycle_id = $1;`

	slipColumns = `s.slip_id,
        s.cycle_id,
        s.player,
        s.predictions,
        s.is_evaluated,
        s.correct_count,
        s.final_score::text,
        s.evaluate_tx_hash,
        s.placed_at,
        s.tx_hash`

	listSlipsSQL = `SELECT ` + slipColumns + `
    FROM oddyssey_slips s
    WHERE s.cycle_id = $1
    ORDER BY s.slip_id;`

	saveSlipEvaluationSQL = `UPDATE oddyssey_slips
    SET correct_count = $2,
        final_score = $3::numeric
    WHERE slip_id = $1;`

	markSlipsEvaluatedSQL = `UPDATE oddyssey_slips
    SET is_evaluated = TRUE,
        evaluate_tx_hash = NULLIF($2, '')
    WHERE slip_id = ANY($1::bigint[]);`

	countUnevaluatedSlipsSQL = `SELECT s.cycle_id, COUNT(*)
    FROM oddyssey_slips s
    JOIN oddyssey_cycles c ON c.cycle_id = s.cycle_id
    WHERE c.is_resolved = TRUE
      AND s.is_evaluated = FALSE
    GROUP BY s.cycle_id
    ORDER BY s.cycle_id;`
)

// CycleStore persists Oddyssey cycles and slips.
type CycleStore interface {
	GetCycle(ctx context.Context, cycleID int64) (*Cycle, error)
	GetCycleByDate(ctx context.Context, day time.Time) (*Cycle, error)
	SaveCycle(ctx context.Context, c Cycle) error
	ListUnresolvedCycles(ctx context.Context, endedBefore time.Time) ([]Cycle, error)
	ListCycles(ctx context.Context, limit int) ([]Cycle, error)
	MarkCycleReady(ctx context.Context, cycleID int64) error
	MarkCycleResolved(ctx context.Context, cycleID int64, txHash string, at time.Time) error
	ListSlips(ctx context.Context, cycleID int64) ([]Slip, error)
	SaveSlipEvaluation(ctx context.Context, slipID int64, correct int, score *big.Int) error
	MarkSlipsEvaluated(ctx context.Context, slipIDs []int64, txHash string) error
	CountUnevaluatedSlips(ctx context.Context) (map[int64]int, error)
}

var _ CycleStore = (*Store)(nil)

// GetCycle loads one cycle, or nil when it is unknown.
func (s *Store) GetCycle(ctx context.Context, cycleID int64) (*Cycle, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return scanOptionalCycle(pool.QueryRow(ctx, getCycleSQL, cycleID))
}

// GetCycleByDate loads the cycle of a UTC calendar day, or nil.
func (s *Store) GetCycleByDate(ctx context.Context, day time.Time) (*Cycle, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return scanOptionalCycle(pool.QueryRow(ctx, getCycleByDateSQL, day.UTC().Format(time.DateOnly)))
}

// SaveCycle upserts a cycle row.
func (s *Store) SaveCycle(ctx context.Context, c Cycle) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return upsertCycle(ctx, pool, c)
}

// ListUnresolvedCycles lists unresolved cycles whose end time is not after endedBefore.
func (s *Store) ListUnresolvedCycles(ctx context.Context, endedBefore time.Time) ([]Cycle, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listUnresolvedCyclesSQL, endedBefore)
	if queryErr != nil {
		return nil, fmt.Errorf("list unresolved cycles: %w", queryErr)
	}
	return collectCycles(rows)
}

// ListCycles lists the most recent cycles.
func (s *Store) ListCycles(ctx context.Context, limit int) ([]Cycle, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	rows, queryErr := pool.Query(ctx, listCyclesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list cycles: %w", queryErr)
	}
	return collectCycles(rows)
}

// MarkCycleReady flags a cycle whose ten results are all present.
func (s *Store) MarkCycleReady(ctx context.Context, cycleID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markCycleReadySQL, cycleID); execErr != nil {
		return fmt.Errorf("mark cycle %d ready: %w", cycleID, execErr)
	}
	return nil
}

// MarkCycleResolved records a successful resolveDailyCycle.
func (s *Store) MarkCycleResolved(ctx context.Context, cycleID int64, txHash string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markCycleResolvedSQL, cycleID, at.UTC(), txHash); execErr != nil {
		return fmt.Errorf("mark cycle %d resolved: %w", cycleID, execErr)
	}
	return nil
}

// ListSlips lists the slips of a cycle ordered by id.
func (s *Store) ListSlips(ctx context.Context, cycleID int64) ([]Slip, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSlipsSQL, cycleID)
	if queryErr != nil {
		return nil, fmt.Errorf("list slips: %w", queryErr)
	}
	defer rows.Close()

	slips := make([]Slip, 0)
	for rows.Next() {
		var sl Slip
		var predictions []byte
		var score, evalTx *string
		if err := rows.Scan(
			&sl.ID,
			&sl.CycleID,
			&sl.Player,
			&predictions,
			&sl.IsEvaluated,
			&sl.CorrectCount,
			&score,
			&evalTx,
			&sl.PlacedAt,
			&sl.TxHash,
		); err != nil {
			return nil, fmt.Errorf("scan slip: %w", err)
		}
		if err := json.Unmarshal(predictions, &sl.Predictions); err != nil {
			return nil, fmt.Errorf("slip %d predictions: %w", sl.ID, err)
		}
		if score != nil {
			v, ok := new(big.Int).SetString(*score, 10)
			if !ok {
				return nil, fmt.Errorf("slip %d final score %q is not an integer", sl.ID, *score)
			}
			sl.FinalScore = v
		}
		sl.EvaluateTxHash = deref(evalTx)
		slips = append(slips, sl)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return slips, nil
}

// SaveSlipEvaluation stores the off-chain evaluation of a slip.
func (s *Store) SaveSlipEvaluation(ctx context.Context, slipID int64, correct int, score *big.Int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if score == nil {
		score = new(big.Int)
	}
	if _, execErr := pool.Exec(ctx, saveSlipEvaluationSQL, slipID, correct, score.String()); execErr != nil {
		return fmt.Errorf("save slip %d evaluation: %w", slipID, execErr)
	}
	return nil
}

// MarkSlipsEvaluated flags slips evaluated on-chain.
func (s *Store) MarkSlipsEvaluated(ctx context.Context, slipIDs []int64, txHash string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markSlipsEvaluatedSQL, slipIDs, txHash); execErr != nil {
		return fmt.Errorf("mark slips evaluated: %w", execErr)
	}
	return nil
}

// CountUnevaluatedSlips counts unevaluated slips per resolved cycle.
func (s *Store) CountUnevaluatedSlips(ctx context.Context) (map[int64]int, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, countUnevaluatedSlipsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("count unevaluated slips: %w", queryErr)
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var cycleID, count int64
		if err := rows.Scan(&cycleID, &count); err != nil {
			return nil, err
		}
		out[cycleID] = int(count)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func upsertCycle(ctx context.Context, db execer, c Cycle) error {
	matches := c.Matches
	if matches == nil {
		matches = []CycleMatch{}
	}
	encoded, err := json.Marshal(matches)
	if err != nil {
		return fmt.Errorf("encode cycle matches: %w", err)
	}

	var day any
	if c.Date != nil {
		day = c.Date.UTC().Format(time.DateOnly)
	}

	if _, execErr := db.Exec(ctx, upsertCycleSQL,
		c.ID,
		day,
		encoded,
		c.EndTime.UTC(),
		c.PrizePool.String(),
		c.StartTxHash,
		at(c.CreatedAt),
	); execErr != nil {
		return fmt.Errorf("upsert cycle %d: %w", c.ID, execErr)
	}
	return nil
}

func collectCycles(rows pgx.Rows) ([]Cycle, error) {
	defer rows.Close()

	cycles := make([]Cycle, 0)
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return cycles, nil
}

func scanOptionalCycle(row pgx.Row) (*Cycle, error) {
	c, err := scanCycle(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func scanCycle(row rowScanner) (Cycle, error) {
	var c Cycle
	var matches []byte
	var prize string
	var startTx, resolveTx *string
	if err := row.Scan(
		&c.ID,
		&c.Date,
		&matches,
		&c.EndTime,
		&prize,
		&c.ReadyForResolution,
		&c.IsResolved,
		&c.ResolvedAt,
		&startTx,
		&resolveTx,
		&c.CreatedAt,
	); err != nil {
		if isNoRows(err) {
			return Cycle{}, err
		}
		return Cycle{}, fmt.Errorf("scan cycle: %w", err)
	}
	if err := json.Unmarshal(matches, &c.Matches); err != nil {
		return Cycle{}, fmt.Errorf("cycle %d matches: %w", c.ID, err)
	}
	var err error
	if c.PrizePool, err = decimal.NewFromString(prize); err != nil {
		return Cycle{}, fmt.Errorf("cycle %d prize pool: %w", c.ID, err)
	}
	c.EndTime = c.EndTime.UTC()
	c.StartTxHash = deref(startTx)
	c.ResolveTxHash = deref(resolveTx)
	return c, nil
}
