package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"settlement-core/internal/alerting"
	"settlement-core/internal/broadcast"
	"settlement-core/internal/chain"
	"settlement-core/internal/metrics"
	"settlement-core/internal/provider/crypto"
	"settlement-core/internal/storage"
)

var (
	// ErrDataIntegrity marks a pool whose mirror rows contradict each other,
	// such as a football market id that is not its linked fixture id.
	ErrDataIntegrity = errors.New("settlement: data integrity violation")
	// ErrOutcomeConflict marks a crypto market whose oracle outcome is neither
	// the prediction nor its opposite.
	ErrOutcomeConflict = errors.New("settlement: oracle outcome conflicts with decided outcome")
)

// Pool result statuses.
const (
	StatusSettled  = "settled"
	StatusRefunded = "refunded"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// Skip and failure reasons.
const (
	ReasonNoResult          = "no_fixture_result"
	ReasonFixtureMismatch   = "market_fixture_mismatch"
	ReasonUnknownFamily     = "unknown_family"
	ReasonFormatMismatch    = "format_mismatch"
	ReasonOutcomeMissing    = "outcome_unavailable"
	ReasonEventNotEnded     = "event_not_ended"
	ReasonAwaitingDeadline  = "awaiting_arbitration"
	ReasonPriceUnavailable  = "price_unavailable"
	ReasonOutcomeConflict   = "outcome_conflict"
	ReasonSubmissionPending = "submission_unconfirmed"
	ReasonSubmitFailed      = "submit_failed"
	ReasonSettleFailed      = "settle_failed"
	ReasonRefundFailed      = "refund_failed"
	ReasonChainRead         = "chain_read_failed"
	ReasonStorage           = "storage_failed"
)

// Oracle is the contract surface used by the pipeline; satisfied by *chain.OracleBot.
type Oracle interface {
	GetOutcome(ctx context.Context, marketID string) (chain.Outcome, error)
	SubmitOutcome(ctx context.Context, marketID string, data []byte, observe chain.HashObserver) (chain.TxResult, error)
	PoolOnChain(ctx context.Context, poolID int64) (chain.PoolOnChain, error)
	PoolStats(ctx context.Context, poolID int64) (chain.PoolStats, error)
	SettlePool(ctx context.Context, poolID int64, outcome [32]byte, observe chain.HashObserver) (chain.SettleResult, error)
	RefundPool(ctx context.Context, poolID int64, observe chain.HashObserver) (chain.TxResult, error)
}

// PriceSource returns spot prices; satisfied by *crypto.Adapter.
type PriceSource interface {
	SpotPrice(ctx context.Context, symbol string) (crypto.Price, error)
}

// Options tune the pipeline.
type Options struct {
	ResultGrace   time.Duration
	SubmitBackoff []time.Duration
	ExcludedPools []int64
	BatchLimit    int
	AlertOnSkip   bool
	Clock         func() time.Time
	Metrics       *metrics.Metrics
}

// PoolOutcome is the per-pool line of a report.
type PoolOutcome struct {
	PoolID   int64
	MarketID string
	Family   string
	Status   string
	Reason   string
	Outcome  string
	TxHash   string
	Err      error
}

// Report summarises one ProcessAllPools pass.
type Report struct {
	RunID     uuid.UUID
	StartedAt time.Time
	Duration  time.Duration
	Heal      storage.HealReport
	Selected  int
	Settled   int
	Refunded  int
	Submitted int
	Skipped   int
	Failed    int
	Pools     []PoolOutcome
}

func (r *Report) add(o PoolOutcome) {
	r.Pools = append(r.Pools, o)
	switch o.Status {
	case StatusSettled:
		r.Settled++
	case StatusRefunded:
		r.Refunded++
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	}
}

// Pipeline settles guided pools: heal, select, decide, submit, settle or refund.
type Pipeline struct {
	store     storage.PoolStore
	oracle    Oracle
	prices    PriceSource
	notifier  alerting.Notifier
	publisher broadcast.Publisher
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewPipeline wires the pipeline. notifier, publisher and prices may be nil.
func NewPipeline(store storage.PoolStore, oracle Oracle, prices PriceSource, notifier alerting.Notifier, publisher broadcast.Publisher, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.ResultGrace <= 0 {
		opts.ResultGrace = 15 * time.Minute
	}
	if len(opts.SubmitBackoff) == 0 {
		opts.SubmitBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		store:     store,
		oracle:    oracle,
		prices:    prices,
		notifier:  notifier,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With().Str("component", "settlement").Logger(),
		now:       now,
		sleep:     sleepCtx,
	}
}

// Tick runs one pass for the scheduler.
func (p *Pipeline) Tick(ctx context.Context) error {
	_, err := p.ProcessAllPools(ctx)
	return err
}

// ProcessAllPools runs one settlement pass. Only storage failures during
// healing or selection are returned; per-pool failures land in the report.
func (p *Pipeline) ProcessAllPools(ctx context.Context) (report Report, err error) {
	report = Report{RunID: uuid.New(), StartedAt: p.now()}
	logger := p.logger.With().Str("run_id", report.RunID.String()).Logger()
	defer func() { report.Duration = p.now().Sub(report.StartedAt) }()

	heal, err := p.store.HealPools(ctx, report.StartedAt)
	if err != nil {
		return report, fmt.Errorf("heal pools: %w", err)
	}
	report.Heal = heal
	if heal.Stripped+heal.Linked+heal.Rejected+heal.Awaiting > 0 {
		logger.Info().
			Int64("stripped", heal.Stripped).
			Int64("linked", heal.Linked).
			Int64("rejected", heal.Rejected).
			Int64("awaiting", heal.Awaiting).
			Msg("pool mirror healed")
	}

	pools, err := p.store.ListSettleablePools(ctx, storage.SettleableQuery{
		Now:         report.StartedAt,
		ResultGrace: p.opts.ResultGrace,
		Excluded:    p.opts.ExcludedPools,
		Limit:       p.opts.BatchLimit,
	})
	if errors.Is(err, storage.ErrCorruptRow) {
		logger.Error().Err(err).Int("selected", len(pools)).Msg("undecodable pool rows left out of this pass")
	} else if err != nil {
		return report, fmt.Errorf("select settleable pools: %w", err)
	}
	report.Selected = len(pools)

	for _, sp := range pools {
		if ctx.Err() != nil {
			logger.Info().Int("remaining", len(pools)-len(report.Pools)).Msg("shutdown requested; stopping between pools")
			break
		}
		res := p.processPool(ctx, sp)
		if res.submitted {
			report.Submitted++
		}
		report.add(res.PoolOutcome)
		p.record(ctx, logger, sp.Pool, res.PoolOutcome)
	}

	logger.Info().
		Int("selected", report.Selected).
		Int("settled", report.Settled).
		Int("refunded", report.Refunded).
		Int("submitted", report.Submitted).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("settlement pass completed")
	return report, nil
}

// record logs, counts, alerts and broadcasts one pool decision.
func (p *Pipeline) record(ctx context.Context, logger zerolog.Logger, pool storage.Pool, o PoolOutcome) {
	p.opts.Metrics.IncPoolTransition(o.Status, o.Reason)

	event := logger.Info()
	switch o.Status {
	case StatusSkipped:
		event = logger.Warn()
	case StatusFailed:
		event = logger.Error()
	}
	event.Err(o.Err).
		Int64("pool_id", o.PoolID).
		Str("market_id", o.MarketID).
		Str("family", o.Family).
		Str("outcome", o.Outcome).
		Str("status", o.Status).
		Str("reason", o.Reason).
		Str("tx_hash", o.TxHash).
		Msg("pool processed")

	switch o.Status {
	case StatusSettled, StatusRefunded:
		p.publish(ctx, pool, o)
	case StatusSkipped, StatusFailed:
		p.alert(ctx, o)
	}
}

func (p *Pipeline) publish(ctx context.Context, pool storage.Pool, o PoolOutcome) {
	if p.publisher == nil {
		return
	}
	id := pool.ID
	ev := broadcast.Event{
		Type:     broadcast.EventPoolSettled,
		PoolID:   &id,
		MarketID: o.MarketID,
		Outcome:  o.Outcome,
		TxHash:   o.TxHash,
		At:       p.now(),
	}
	if o.Status == StatusRefunded {
		ev.Type = broadcast.EventPoolRefunded
	} else if pool.Family != nil {
		won := pool.Family.Matches(o.Outcome)
		ev.CreatorSideWon = &won
	}
	if err := p.publisher.Publish(ctx, ev); err != nil {
		p.logger.Warn().Err(err).Int64("pool_id", pool.ID).Msg("publish settlement event failed")
	}
}

// alert notifies operators of decisions that need a human: format
// mismatches and outcome conflicts always, other skips when configured.
func (p *Pipeline) alert(ctx context.Context, o PoolOutcome) {
	if p.notifier == nil {
		return
	}
	severity := alerting.SeverityWarning
	switch o.Reason {
	case ReasonFormatMismatch, ReasonOutcomeConflict, ReasonFixtureMismatch:
		severity = alerting.SeverityCritical
	default:
		if !p.opts.AlertOnSkip {
			return
		}
	}

	fields := map[string]string{
		"pool_id":   fmt.Sprint(o.PoolID),
		"market_id": o.MarketID,
		"reason":    o.Reason,
	}
	if o.Family != "" {
		fields["family"] = o.Family
	}
	if o.Outcome != "" {
		fields["outcome"] = o.Outcome
	}
	note := alerting.Notification{
		Severity:  severity,
		Component: "settlement",
		Subject:   fmt.Sprintf("pool %d %s: %s", o.PoolID, o.Status, o.Reason),
		Fields:    fields,
		Time:      p.now(),
	}
	if o.Err != nil {
		note.Message = o.Err.Error()
	}
	err := p.notifier.Notify(ctx, note)
	status := "sent"
	if err != nil {
		status = "failed"
		p.logger.Warn().Err(err).Int64("pool_id", o.PoolID).Msg("alert delivery failed")
	}
	p.opts.Metrics.IncAlert("settlement", status)
}

func txHex(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
