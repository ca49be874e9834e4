package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"settlement-core/internal/outcome"
)

const (
	poolColumns = `p.pool_id,
        p.creator,
        p.market_id,
        p.fixture_id,
        p.category,
        p.predicted_outcome,
        p.market_family,
        p.oracle_type,
        p.event_start_time,
        p.event_end_time,
        p.arbitration_deadline,
        p.creator_stake::text,
        p.total_bettor_stake::text,
        p.total_creator_side_stake::text,
        p.state,
        p.result,
        p.creator_side_won,
        p.result_timestamp,
        p.outcome_tx_hash,
        p.settlement_tx_hash,
        p.refund_tx_hash,
        p.rejected_reason,
        p.created_block,
        p.created_at`

	// Step order matters: a market id is only linkable to a fixture once its
	// encoding prefix is gone.
	healStripSQL = `UPDATE pools
    SET market_id = regexp_replace(market_id, '^[[:cntrl:][:space:]]+', '')
    WHERE is_settled = FALSE
      AND market_id ~ '^[[:cntrl:][:space:]]';`

	healLinkFixtureSQL = `UPDATE pools p
    SET fixture_id = f.fixture_id
    FROM fixtures f
    WHERE p.fixture_id IS NULL
      AND p.category = 'football'
      AND p.market_id ~ '^[0-9]{1,18}$'
      AND f.fixture_id = p.market_id::bigint;`

	healRejectSQL = `UPDATE pools
    SET rejected_reason = 'market id is not a valid identifier for category ' || category
    WHERE rejected_reason IS NULL
      AND is_settled = FALSE
      AND NOT (
        (category = 'football' AND market_id ~ '^[0-9]{1,18}$')
        OR (category = 'crypto' AND market_id ~ '^[A-Za-z0-9]+_[0-9]+(\.[0-9]+)?_(above|below)_[0-9]+$')
      );`

	healAwaitingSQL = `UPDATE pools
    SET state = 'awaiting_result'
    WHERE state = 'active'
      AND is_settled = FALSE
      AND event_end_time <= $1;`

	listSettleablePoolsSQL = `SELECT ` + poolColumns + `,
        ` + resultColumns + `
    FROM pools p
    LEFT JOIN fixture_results r ON r.fixture_id = p.fixture_id
    WHERE p.is_settled = FALSE
      AND p.oracle_type = $1
      AND p.event_end_time <= $2
      AND p.rejected_reason IS NULL
      AND NOT (p.pool_id = ANY($3::bigint[]))
      AND (
        p.category = 'crypto'
        OR (
          p.category = 'football'
          AND r.fixture_id IS NOT NULL
          AND r.ft_home IS NOT NULL AND r.ft_away IS NOT NULL
          AND r.ht_home IS NOT NULL AND r.ht_away IS NOT NULL
          AND r.finished_at <= $4
        )
      )
    ORDER BY p.pool_id
    LIMIT $5;`

	getPoolSQL = `SELECT ` + poolColumns + `
    FROM pools p
    WHERE p.pool_id = $1;`

	listPoolsSQL = `SELECT ` + poolColumns + `
    FROM pools p
    WHERE ($1::text = '' OR p.state = $1::text)
    ORDER BY p.pool_id DESC
    LIMIT $2;`

	listSettledBetweenSQL = `SELECT ` + poolColumns + `
    FROM pools p
    WHERE p.is_settled = TRUE
      AND p.result_timestamp >= $1
      AND p.result_timestamp < $2
    ORDER BY p.result_timestamp;`

	setPoolStateSQL = `UPDATE pools
    SET state = $2
    WHERE pool_id = $1
      AND is_settled = FALSE;`

	setPoolOutcomeSubmittedSQL = `UPDATE pools
    SET state = 'outcome_submitted',
        outcome_tx_hash = COALESCE(NULLIF($2, ''), outcome_tx_hash)
    WHERE pool_id = $1
      AND is_settled = FALSE;`

	setPoolSettledSQL = `UPDATE pools
    SET state = 'settled',
        is_settled = TRUE,
        result = $2,
        creator_side_won = $3,
        result_timestamp = $4,
        settlement_tx_hash = NULLIF($5, '')
    WHERE pool_id = $1
      AND is_settled = FALSE;`

	setPoolRefundedSQL = `UPDATE pools
    SET state = 'refunded',
        is_settled = TRUE,
        result = $2,
        result_timestamp = $3,
        refund_tx_hash = NULLIF($4, '')
    WHERE pool_id = $1
      AND is_settled = FALSE;`

	getOracleSubmissionSQL = `SELECT market_id, outcome, tx_hash, block_number, submitted_at
    FROM oracle_submissions
    WHERE market_id = $1;`

	insertOracleSubmissionSQL = `INSERT INTO oracle_submissions (
        market_id,
        outcome,
        tx_hash,
        block_number,
        submitted_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (market_id) DO NOTHING;`
)

// SettleableQuery parameterises pool selection.
type SettleableQuery struct {
	Now         time.Time
	ResultGrace time.Duration
	Excluded    []int64
	Limit       int
}

// PoolFilter narrows ListPools.
type PoolFilter struct {
	State string
	Limit int
}

// PoolStore is the settlement pipeline's view of pools and oracle submissions.
type PoolStore interface {
	HealPools(ctx context.Context, now time.Time) (HealReport, error)
	ListSettleablePools(ctx context.Context, q SettleableQuery) ([]SettleablePool, error)
	GetPool(ctx context.Context, poolID int64) (Pool, error)
	SetPoolState(ctx context.Context, poolID int64, state PoolState) error
	GetOracleSubmission(ctx context.Context, marketID string) (*OracleSubmission, error)
	InsertOracleSubmission(ctx context.Context, sub OracleSubmission) error
}

// PoolReader serves operator commands.
type PoolReader interface {
	ListPools(ctx context.Context, filter PoolFilter) ([]Pool, error)
	ListSettledBetween(ctx context.Context, from, to time.Time) ([]Pool, error)
}

var (
	_ PoolStore  = (*Store)(nil)
	_ PoolReader = (*Store)(nil)
)

// HealPools runs the deterministic repairs that precede every settlement tick.
func (s *Store) HealPools(ctx context.Context, now time.Time) (HealReport, error) {
	pool, err := s.getPool()
	if err != nil {
		return HealReport{}, err
	}

	var report HealReport
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		steps := []struct {
			name string
			sql  string
			args []any
			dst  *int64
		}{
			{"strip market id prefix", healStripSQL, nil, &report.Stripped},
			{"link fixture", healLinkFixtureSQL, nil, &report.Linked},
			{"reject invalid market id", healRejectSQL, nil, &report.Rejected},
			{"mark awaiting result", healAwaitingSQL, []any{now}, &report.Awaiting},
		}
		for _, step := range steps {
			tag, execErr := tx.Exec(ctx, step.sql, step.args...)
			if execErr != nil {
				return fmt.Errorf("%s: %w", step.name, execErr)
			}
			*step.dst = tag.RowsAffected()
		}
		return nil
	})
	if txErr != nil {
		return HealReport{}, fmt.Errorf("heal pools: %w", txErr)
	}
	return report, nil
}

// ListSettleablePools selects the pools the pipeline should act on this tick.
// Rows that cannot be decoded are left out and reported through ErrCorruptRow.
func (s *Store) ListSettleablePools(ctx context.Context, q SettleableQuery) ([]SettleablePool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	excluded := q.Excluded
	if excluded == nil {
		excluded = []int64{}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	rows, queryErr := pool.Query(ctx, listSettleablePoolsSQL,
		int16(OracleTypeGuided),
		q.Now,
		excluded,
		q.Now.Add(-q.ResultGrace),
		limit,
	)
	if queryErr != nil {
		return nil, fmt.Errorf("list settleable pools: %w", queryErr)
	}
	defer rows.Close()

	out := make([]SettleablePool, 0)
	var corrupt []error
	for rows.Next() {
		var pr poolRow
		var rr resultRow
		if err := rows.Scan(append(pr.dest(), rr.dest()...)...); err != nil {
			return nil, fmt.Errorf("scan settleable pool: %w", err)
		}
		p, convErr := pr.pool()
		if convErr != nil {
			corrupt = append(corrupt, fmt.Errorf("%w: %w", ErrCorruptRow, convErr))
			continue
		}
		item := SettleablePool{Pool: p}
		if res, ok := rr.result(); ok {
			item.Result = &res
		}
		out = append(out, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	// the decodable rows are returned alongside ErrCorruptRow
	return out, errors.Join(corrupt...)
}

// GetPool loads one pool.
func (s *Store) GetPool(ctx context.Context, poolID int64) (Pool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Pool{}, err
	}

	var pr poolRow
	if scanErr := pool.QueryRow(ctx, getPoolSQL, poolID).Scan(pr.dest()...); scanErr != nil {
		if isNoRows(scanErr) {
			return Pool{}, ErrNotFound
		}
		return Pool{}, fmt.Errorf("get pool %d: %w", poolID, scanErr)
	}
	return pr.pool()
}

// ListPools lists pools newest first, optionally by state.
func (s *Store) ListPools(ctx context.Context, filter PoolFilter) ([]Pool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, queryErr := pool.Query(ctx, listPoolsSQL, filter.State, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list pools: %w", queryErr)
	}
	return collectPools(rows)
}

// ListSettledBetween lists settled and refunded pools by result timestamp.
func (s *Store) ListSettledBetween(ctx context.Context, from, to time.Time) ([]Pool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSettledBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list settled pools: %w", queryErr)
	}
	return collectPools(rows)
}

// SetPoolState persists a state transition. Settled and refunded pools are
// immutable: any write against them returns ErrPoolImmutable.
func (s *Store) SetPoolState(ctx context.Context, poolID int64, state PoolState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var sql string
	var args []any
	switch st := state.(type) {
	case Active, AwaitingResult:
		sql, args = setPoolStateSQL, []any{poolID, st.Name()}
	case OutcomeSubmitted:
		sql, args = setPoolOutcomeSubmittedSQL, []any{poolID, st.TxHash}
	case Settled:
		sql, args = setPoolSettledSQL, []any{poolID, st.Result[:], st.CreatorSideWon, at(st.At), st.TxHash}
	case Refunded:
		var zero [32]byte
		sql, args = setPoolRefundedSQL, []any{poolID, zero[:], at(st.At), st.TxHash}
	default:
		return fmt.Errorf("unsupported pool state %T", state)
	}

	tag, execErr := pool.Exec(ctx, sql, args...)
	if execErr != nil {
		return fmt.Errorf("set pool %d state %s: %w", poolID, state.Name(), execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrPoolImmutable
	}
	return nil
}

// GetOracleSubmission returns the submission marker for marketID, or nil when none exists.
func (s *Store) GetOracleSubmission(ctx context.Context, marketID string) (*OracleSubmission, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var sub OracleSubmission
	var block int64
	scanErr := pool.QueryRow(ctx, getOracleSubmissionSQL, marketID).Scan(
		&sub.MarketID,
		&sub.Outcome,
		&sub.TxHash,
		&block,
		&sub.SubmittedAt,
	)
	if scanErr != nil {
		if isNoRows(scanErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("get oracle submission: %w", scanErr)
	}
	sub.BlockNumber = uint64(block)
	return &sub, nil
}

// InsertOracleSubmission records a successful submitOutcome. An existing row is kept.
func (s *Store) InsertOracleSubmission(ctx context.Context, sub OracleSubmission) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertOracleSubmissionSQL,
		sub.MarketID,
		sub.Outcome,
		sub.TxHash,
		int64(sub.BlockNumber),
		at(sub.SubmittedAt),
	); execErr != nil {
		return fmt.Errorf("insert oracle submission: %w", execErr)
	}
	return nil
}

func collectPools(rows pgx.Rows) ([]Pool, error) {
	defer rows.Close()

	pools := make([]Pool, 0)
	for rows.Next() {
		var pr poolRow
		if err := rows.Scan(pr.dest()...); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		p, err := pr.pool()
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return pools, nil
}

type poolRow struct {
	p                                    Pool
	family                               []byte
	oracleType                           int16
	creatorStake, bettorStake, sideStake string
	state                                string
	result                               []byte
	creatorSideWon                       *bool
	resultTimestamp                      *time.Time
	outcomeTx, settlementTx, refundTx    *string
	createdBlock                         int64
}

func (r *poolRow) dest() []any {
	return []any{
		&r.p.ID,
		&r.p.Creator,
		&r.p.MarketID,
		&r.p.FixtureID,
		&r.p.Category,
		&r.p.PredictedOutcome,
		&r.family,
		&r.oracleType,
		&r.p.EventStart,
		&r.p.EventEnd,
		&r.p.ArbitrationDeadline,
		&r.creatorStake,
		&r.bettorStake,
		&r.sideStake,
		&r.state,
		&r.result,
		&r.creatorSideWon,
		&r.resultTimestamp,
		&r.outcomeTx,
		&r.settlementTx,
		&r.refundTx,
		&r.p.RejectedReason,
		&r.createdBlock,
		&r.p.CreatedAt,
	}
}

func (r *poolRow) pool() (Pool, error) {
	p := r.p
	p.OracleType = uint8(r.oracleType)
	p.CreatedBlock = uint64(r.createdBlock)
	p.EventStart = p.EventStart.UTC()
	p.EventEnd = p.EventEnd.UTC()
	p.ArbitrationDeadline = p.ArbitrationDeadline.UTC()

	var err error
	if p.CreatorStake, err = decimal.NewFromString(r.creatorStake); err != nil {
		return Pool{}, fmt.Errorf("pool %d creator stake: %w", p.ID, err)
	}
	if p.TotalBettorStake, err = decimal.NewFromString(r.bettorStake); err != nil {
		return Pool{}, fmt.Errorf("pool %d bettor stake: %w", p.ID, err)
	}
	if p.TotalCreatorSideStake, err = decimal.NewFromString(r.sideStake); err != nil {
		return Pool{}, fmt.Errorf("pool %d creator side stake: %w", p.ID, err)
	}

	if len(r.family) > 0 && string(r.family) != "null" {
		var pred outcome.Prediction
		if err := json.Unmarshal(r.family, &pred); err != nil {
			return Pool{}, fmt.Errorf("pool %d market family: %w", p.ID, err)
		}
		p.Family = &pred
	}

	p.State = decodeState(r.state, r.result, r.creatorSideWon, r.resultTimestamp, r.outcomeTx, r.settlementTx, r.refundTx)
	return p, nil
}

func decodeState(name string, result []byte, won *bool, ts *time.Time, outcomeTx, settlementTx, refundTx *string) PoolState {
	switch name {
	case StateAwaitingResult:
		return AwaitingResult{}
	case StateOutcomeSubmitted:
		return OutcomeSubmitted{TxHash: deref(outcomeTx)}
	case StateSettled:
		st := Settled{TxHash: deref(settlementTx)}
		copy(st.Result[:], result)
		if won != nil {
			st.CreatorSideWon = *won
		}
		if ts != nil {
			st.At = ts.UTC()
		}
		return st
	case StateRefunded:
		st := Refunded{TxHash: deref(refundTx)}
		if ts != nil {
			st.At = ts.UTC()
		}
		return st
	}
	return Active{}
}

func at(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
