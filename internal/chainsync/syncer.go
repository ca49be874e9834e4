package chainsync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"settlement-core/internal/chain"
	"settlement-core/internal/metrics"
	"settlement-core/internal/storage"
)

const defaultCursorName = "settler"

// CycleReader reads Oddyssey state that events do not carry.
type CycleReader interface {
	GetSlip(ctx context.Context, slipID int64) (chain.OddysseySlip, error)
	GetDailyMatches(ctx context.Context, cycleID int64) ([chain.CycleMatches]chain.OddysseyMatch, error)
}

// Options tune the event mirror.
type Options struct {
	Addresses     []common.Address
	StartBlock    uint64
	ReorgDepth    uint64
	MaxBlockRange uint64
	CursorName    string
	TokenDecimals int32
	Clock         func() time.Time
	Metrics       *metrics.Metrics
}

// Report summarises one sync pass.
type Report struct {
	RunID    uuid.UUID
	From     uint64
	To       uint64
	Logs     int
	Applied  int
	Skipped  int
	Failed   int
	Duration time.Duration
}

// Syncer mirrors contract events into storage behind a persisted block cursor.
type Syncer struct {
	backend chain.LogBackend
	cycles  CycleReader
	store   storage.MirrorStore
	opts    Options
	logger  zerolog.Logger
}

// NewSyncer constructs a syncer. cycles may be nil, in which case slips are
// mirrored without predictions and cycles without matches.
func NewSyncer(backend chain.LogBackend, cycles CycleReader, store storage.MirrorStore, opts Options, logger zerolog.Logger) *Syncer {
	if opts.MaxBlockRange == 0 {
		opts.MaxBlockRange = 2000
	}
	if opts.CursorName == "" {
		opts.CursorName = defaultCursorName
	}
	if opts.TokenDecimals == 0 {
		opts.TokenDecimals = 18
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Syncer{
		backend: backend,
		cycles:  cycles,
		store:   store,
		opts:    opts,
		logger:  logger.With().Str("component", "chainsync").Logger(),
	}
}

// Tick runs one pass for the scheduler.
func (s *Syncer) Tick(ctx context.Context) error {
	_, err := s.RunOnce(ctx)
	return err
}

// RunOnce syncs from the cursor (minus the reorg window) up to the head.
func (s *Syncer) RunOnce(ctx context.Context) (Report, error) {
	cursor, ok, err := s.store.GetCursor(ctx, s.opts.CursorName)
	if err != nil {
		return Report{}, err
	}
	from := s.opts.StartBlock
	if ok {
		next := cursor + 1
		if next > s.opts.ReorgDepth {
			next -= s.opts.ReorgDepth
		} else {
			next = 0
		}
		if next > from {
			from = next
		}
	}
	return s.syncFrom(ctx, from)
}

// Replay re-reads every log from fromBlock. Logs already applied are skipped
// by their (tx_hash, log_index) marker, so replay converges on the same rows.
func (s *Syncer) Replay(ctx context.Context, fromBlock uint64) (Report, error) {
	s.logger.Info().Uint64("from_block", fromBlock).Msg("replaying chain events")
	return s.syncFrom(ctx, fromBlock)
}

func (s *Syncer) syncFrom(ctx context.Context, from uint64) (report Report, err error) {
	report = Report{RunID: uuid.New(), From: from}
	started := s.opts.Clock()
	defer func() { report.Duration = s.opts.Clock().Sub(started) }()

	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return report, fmt.Errorf("read head block: %w", err)
	}
	report.To = head
	if from > head {
		return report, nil
	}

	for start := from; start <= head; {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := start + s.opts.MaxBlockRange - 1
		if end > head {
			end = head
		}
		if err := s.syncWindow(ctx, start, end, &report); err != nil {
			return report, err
		}
		if err := s.store.SetCursor(ctx, s.opts.CursorName, end); err != nil {
			return report, err
		}
		s.opts.Metrics.SetSyncedBlock(end)
		start = end + 1
	}

	s.logger.Info().
		Str("run_id", report.RunID.String()).
		Uint64("from", report.From).
		Uint64("to", report.To).
		Int("logs", report.Logs).
		Int("applied", report.Applied).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("chain sync completed")
	return report, nil
}

func (s *Syncer) syncWindow(ctx context.Context, from, to uint64, report *Report) error {
	logs, err := s.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: s.opts.Addresses,
		Topics:    chain.Topics(),
	})
	if err != nil {
		return fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	headers := make(map[uint64]time.Time)
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		report.Logs++
		applied, err := s.applyLog(ctx, lg, headers)
		switch {
		case errors.Is(err, errSkipLog):
			report.Failed++
		case err != nil:
			return err
		case applied:
			report.Applied++
		default:
			report.Skipped++
		}
	}
	return nil
}

var errSkipLog = errors.New("log skipped")

func (s *Syncer) applyLog(ctx context.Context, lg types.Log, headers map[uint64]time.Time) (bool, error) {
	name := chain.EventName(lg)
	ev, err := chain.DecodeLog(lg)
	if err != nil {
		s.logger.Error().Err(err).Str("tx_hash", lg.TxHash.Hex()).Uint("log_index", lg.Index).Msg("undecodable log skipped")
		return false, errSkipLog
	}

	blockTime, err := s.blockTime(ctx, lg.BlockNumber, headers)
	if err != nil {
		return false, err
	}
	meta := logMeta{txHash: lg.TxHash.Hex(), index: lg.Index, block: lg.BlockNumber, at: blockTime}

	apply, err := s.prepare(ctx, ev, meta)
	if err != nil {
		return false, err
	}
	applied, err := s.store.ApplyEvent(ctx, storage.EventKey{
		TxHash:      meta.txHash,
		LogIndex:    meta.index,
		Event:       name,
		BlockNumber: meta.block,
	}, apply)
	if err != nil {
		return false, err
	}
	if applied {
		s.opts.Metrics.IncEvent(name)
	}
	return applied, nil
}

// blockTime reads the header timestamp of block, once per window.
func (s *Syncer) blockTime(ctx context.Context, block uint64, cache map[uint64]time.Time) (time.Time, error) {
	if t, ok := cache[block]; ok {
		return t, nil
	}
	header, err := s.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", block, err)
	}
	t := time.Unix(int64(header.Time), 0).UTC()
	cache[block] = t
	return t, nil
}

type logMeta struct {
	txHash string
	index  uint
	block  uint64
	at     time.Time
}
