package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const (
	getCursorSQL = `SELECT block FROM chain_sync_cursor WHERE name = $1;`

	setCursorSQL = `INSERT INTO chain_sync_cursor (name, block, updated_at)
    VALUES ($1, $2, NOW())
    ON CONFLICT (name) DO UPDATE
    SET block = EXCLUDED.block,
        updated_at = NOW();`

	insertChainEventSQL = `INSERT INTO chain_events (tx_hash, log_index, event, block_number)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (tx_hash, log_index) DO NOTHING;`

	insertPoolSQL = `INSERT INTO pools (
        pool_id,
        creator,
        market_id,
        category,
        predicted_outcome,
        market_family,
        oracle_type,
        event_start_time,
        event_end_time,
        arbitration_deadline,
        creator_stake,
        total_creator_side_stake,
        created_block,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11,$12,$13
    )
    ON CONFLICT (pool_id) DO NOTHING;`

	insertBetSQL = `INSERT INTO bets (
        tx_hash,
        log_index,
        pool_id,
        bettor,
        amount,
        is_for_outcome,
        block_number,
        block_time
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (tx_hash, log_index) DO NOTHING;`

	addBettorStakeSQL = `UPDATE pools
    SET total_bettor_stake = total_bettor_stake + $2::numeric
    WHERE pool_id = $1;`

	addCreatorSideStakeSQL = `UPDATE pools
    SET total_creator_side_stake = total_creator_side_stake + $2::numeric
    WHERE pool_id = $1;`

	insertLiquiditySQL = `INSERT INTO liquidity (
        tx_hash,
        log_index,
        pool_id,
        provider,
        amount,
        block_number,
        block_time
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (tx_hash, log_index) DO NOTHING;`

	upsertCycleSQL = `INSERT INTO oddyssey_cycles (
        cycle_id,
        cycle_date,
        matches,
        cycle_end_time,
        prize_pool,
        start_tx_hash,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,NULLIF($6, ''),$7
    )
    ON CONFLICT (cycle_id) DO UPDATE
    SET cycle_date     = COALESCE(oddyssey_cycles.cycle_date, EXCLUDED.cycle_date),
        matches        = CASE WHEN jsonb_array_length(EXCLUDED.matches) > 0
                              THEN EXCLUDED.matches ELSE oddyssey_cycles.matches END,
        cycle_end_time = EXCLUDED.cycle_end_time,
        prize_pool     = EXCLUDED.prize_pool,
        start_tx_hash  = COALESCE(EXCLUDED.start_tx_hash, oddyssey_cycles.start_tx_hash);`

	recordCycleResolvedSQL = `UPDATE oddyssey_cycles
    SET is_resolved = TRUE,
        ready_for_resolution = TRUE,
        resolved_at = COALESCE(resolved_at, $2),
        prize_pool = $3,
        resolve_tx_hash = COALESCE(resolve_tx_hash, NULLIF($4, ''))
    WHERE cycle_id = $1;`

	insertSlipSQL = `INSERT INTO oddyssey_slips (
        slip_id,
        cycle_id,
        player,
        predictions,
        placed_at,
        tx_hash
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (slip_id) DO NOTHING;`
)

// MirrorStore is the chain sync view of storage.
type MirrorStore interface {
	GetCursor(ctx context.Context, name string) (uint64, bool, error)
	SetCursor(ctx context.Context, name string, block uint64) error
	ApplyEvent(ctx context.Context, key EventKey, apply func(tx MirrorTx) error) (bool, error)
}

// MirrorTx writes mirror rows inside the transaction of one log.
type MirrorTx interface {
	InsertPool(ctx context.Context, p Pool) error
	InsertBet(ctx context.Context, b Bet) error
	InsertLiquidity(ctx context.Context, l Liquidity) error
	RecordPoolSettled(ctx context.Context, poolID int64, st Settled) error
	RecordPoolRefunded(ctx context.Context, poolID int64, st Refunded) error
	UpsertCycle(ctx context.Context, c Cycle) error
	RecordCycleResolved(ctx context.Context, cycleID int64, prizePool decimal.Decimal, txHash string, at time.Time) error
	InsertSlip(ctx context.Context, s Slip) error
}

var _ MirrorStore = (*Store)(nil)

// GetCursor returns the last fully synced block for name.
func (s *Store) GetCursor(ctx context.Context, name string) (uint64, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, false, err
	}
	var block int64
	if scanErr := pool.QueryRow(ctx, getCursorSQL, name).Scan(&block); scanErr != nil {
		if isNoRows(scanErr) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get cursor %s: %w", name, scanErr)
	}
	return uint64(block), true, nil
}

// SetCursor persists the last fully synced block for name.
func (s *Store) SetCursor(ctx context.Context, name string, block uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setCursorSQL, name, int64(block)); execErr != nil {
		return fmt.Errorf("set cursor %s: %w", name, execErr)
	}
	return nil
}

// ApplyEvent runs apply in a transaction guarded by the (tx_hash, log_index) marker.
// It reports false without calling apply when the log was already applied.
func (s *Store) ApplyEvent(ctx context.Context, key EventKey, apply func(tx MirrorTx) error) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var applied bool
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		tag, execErr := tx.Exec(ctx, insertChainEventSQL, key.TxHash, int32(key.LogIndex), key.Event, int64(key.BlockNumber))
		if execErr != nil {
			return fmt.Errorf("record chain event: %w", execErr)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true
		return apply(&mirrorTx{tx: tx})
	})
	if txErr != nil {
		return false, fmt.Errorf("apply %s %s#%d: %w", key.Event, key.TxHash, key.LogIndex, txErr)
	}
	return applied, nil
}

type mirrorTx struct {
	tx pgx.Tx
}

func (m *mirrorTx) InsertPool(ctx context.Context, p Pool) error {
	var family []byte
	if p.Family != nil {
		raw, err := json.Marshal(p.Family)
		if err != nil {
			return fmt.Errorf("encode market family: %w", err)
		}
		family = raw
	}
	_, err := m.tx.Exec(ctx, insertPoolSQL,
		p.ID,
		p.Creator,
		p.MarketID,
		p.Category,
		p.PredictedOutcome,
		family,
		int16(p.OracleType),
		p.EventStart.UTC(),
		p.EventEnd.UTC(),
		p.ArbitrationDeadline.UTC(),
		p.CreatorStake.String(),
		int64(p.CreatedBlock),
		p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert pool %d: %w", p.ID, err)
	}
	return nil
}

func (m *mirrorTx) InsertBet(ctx context.Context, b Bet) error {
	tag, err := m.tx.Exec(ctx, insertBetSQL,
		b.TxHash,
		int32(b.LogIndex),
		b.PoolID,
		b.Bettor,
		b.Amount.String(),
		b.IsForOutcome,
		int64(b.BlockNumber),
		b.BlockTime.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert bet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	stakeSQL := addBettorStakeSQL
	if !b.IsForOutcome {
		stakeSQL = addCreatorSideStakeSQL
	}
	if _, err := m.tx.Exec(ctx, stakeSQL, b.PoolID, b.Amount.String()); err != nil {
		return fmt.Errorf("update pool %d stake: %w", b.PoolID, err)
	}
	return nil
}

func (m *mirrorTx) InsertLiquidity(ctx context.Context, l Liquidity) error {
	tag, err := m.tx.Exec(ctx, insertLiquiditySQL,
		l.TxHash,
		int32(l.LogIndex),
		l.PoolID,
		l.Provider,
		l.Amount.String(),
		int64(l.BlockNumber),
		l.BlockTime.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert liquidity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := m.tx.Exec(ctx, addCreatorSideStakeSQL, l.PoolID, l.Amount.String()); err != nil {
		return fmt.Errorf("update pool %d creator side stake: %w", l.PoolID, err)
	}
	return nil
}

// RecordPoolSettled applies a PoolSettled event; settled pools are left untouched.
func (m *mirrorTx) RecordPoolSettled(ctx context.Context, poolID int64, st Settled) error {
	if _, err := m.tx.Exec(ctx, setPoolSettledSQL, poolID, st.Result[:], st.CreatorSideWon, at(st.At), st.TxHash); err != nil {
		return fmt.Errorf("record pool %d settled: %w", poolID, err)
	}
	return nil
}

func (m *mirrorTx) RecordPoolRefunded(ctx context.Context, poolID int64, st Refunded) error {
	var zero [32]byte
	if _, err := m.tx.Exec(ctx, setPoolRefundedSQL, poolID, zero[:], at(st.At), st.TxHash); err != nil {
		return fmt.Errorf("record pool %d refunded: %w", poolID, err)
	}
	return nil
}

func (m *mirrorTx) UpsertCycle(ctx context.Context, c Cycle) error {
	return upsertCycle(ctx, m.tx, c)
}

func (m *mirrorTx) RecordCycleResolved(ctx context.Context, cycleID int64, prizePool decimal.Decimal, txHash string, at time.Time) error {
	if _, err := m.tx.Exec(ctx, recordCycleResolvedSQL, cycleID, at.UTC(), prizePool.String(), txHash); err != nil {
		return fmt.Errorf("record cycle %d resolved: %w", cycleID, err)
	}
	return nil
}

func (m *mirrorTx) InsertSlip(ctx context.Context, s Slip) error {
	predictions, err := json.Marshal(s.Predictions)
	if err != nil {
		return fmt.Errorf("encode slip predictions: %w", err)
	}
	if _, err := m.tx.Exec(ctx, insertSlipSQL,
		s.ID,
		s.CycleID,
		s.Player,
		predictions,
		s.PlacedAt.UTC(),
		s.TxHash,
	); err != nil {
		return fmt.Errorf("insert slip %d: %w", s.ID, err)
	}
	return nil
}

// execer is satisfied by pgx.Tx and *pgxpool.Pool.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}
