package oddyssey

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"settlement-core/internal/alerting"
	"settlement-core/internal/metrics"
	"settlement-core/internal/storage"
)

// Cycle issue kinds reported by the monitor.
const (
	IssueMissingToday = "missing_today"
	IssueOverdue      = "overdue"
	IssueUnevaluated  = "unevaluated_slips"
)

// MonitorOptions tune the cycle monitor.
type MonitorOptions struct {
	// OverdueAfter is how long past its end time a cycle may stay unresolved.
	OverdueAfter time.Duration
	Clock        func() time.Time
	Metrics      *metrics.Metrics
}

// MonitorReport lists the problems found by one pass.
type MonitorReport struct {
	MissingToday bool
	Overdue      []int64
	Unevaluated  map[int64]int
}

// Healthy reports whether the pass found nothing to alert on.
func (r MonitorReport) Healthy() bool {
	return !r.MissingToday && len(r.Overdue) == 0 && len(r.Unevaluated) == 0
}

// Monitor watches the daily cycle lifecycle and alerts on gaps.
type Monitor struct {
	cycles   storage.CycleStore
	notifier alerting.Notifier
	opts     MonitorOptions
	logger   zerolog.Logger
	now      func() time.Time
}

// NewMonitor wires a monitor. notifier may be nil.
func NewMonitor(cycles storage.CycleStore, notifier alerting.Notifier, opts MonitorOptions, logger zerolog.Logger) *Monitor {
	if opts.OverdueAfter <= 0 {
		opts.OverdueAfter = 6 * time.Hour
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Monitor{
		cycles:   cycles,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "oddyssey_monitor").Logger(),
		now:      now,
	}
}

// Tick runs one pass for the scheduler.
func (m *Monitor) Tick(ctx context.Context) error {
	_, err := m.RunOnce(ctx)
	return err
}

// RunOnce checks for a missing cycle today, cycles overdue for resolution
// and resolved cycles with unevaluated slips.
func (m *Monitor) RunOnce(ctx context.Context) (MonitorReport, error) {
	now := m.now()
	today := now.Truncate(24 * time.Hour)
	var report MonitorReport

	current, err := m.cycles.GetCycleByDate(ctx, today)
	if err != nil {
		return report, fmt.Errorf("look up today's cycle: %w", err)
	}
	report.MissingToday = current == nil

	overdue, err := m.cycles.ListUnresolvedCycles(ctx, now.Add(-m.opts.OverdueAfter))
	if err != nil {
		return report, fmt.Errorf("list overdue cycles: %w", err)
	}
	for _, c := range overdue {
		report.Overdue = append(report.Overdue, c.ID)
	}

	report.Unevaluated, err = m.cycles.CountUnevaluatedSlips(ctx)
	if err != nil {
		return report, fmt.Errorf("count unevaluated slips: %w", err)
	}

	missing := 0
	if report.MissingToday {
		missing = 1
	}
	unevaluated := 0
	for _, n := range report.Unevaluated {
		unevaluated += n
	}
	m.opts.Metrics.SetCycleIssues(IssueMissingToday, missing)
	m.opts.Metrics.SetCycleIssues(IssueOverdue, len(report.Overdue))
	m.opts.Metrics.SetCycleIssues(IssueUnevaluated, unevaluated)

	if report.Healthy() {
		m.logger.Debug().Msg("cycles healthy")
		return report, nil
	}

	if report.MissingToday {
		m.alert(ctx, IssueMissingToday, "no Oddyssey cycle for "+today.Format(time.DateOnly), map[string]string{
			"day": today.Format(time.DateOnly),
		})
	}
	for _, c := range overdue {
		m.alert(ctx, IssueOverdue, fmt.Sprintf("cycle %d overdue for resolution", c.ID), map[string]string{
			"cycle_id": fmt.Sprint(c.ID),
			"end_time": c.EndTime.UTC().Format(time.RFC3339),
			"ready":    fmt.Sprint(c.ReadyForResolution),
		})
	}
	cycleIDs := make([]int64, 0, len(report.Unevaluated))
	for id := range report.Unevaluated {
		cycleIDs = append(cycleIDs, id)
	}
	sort.Slice(cycleIDs, func(i, j int) bool { return cycleIDs[i] < cycleIDs[j] })
	for _, id := range cycleIDs {
		m.alert(ctx, IssueUnevaluated, fmt.Sprintf("cycle %d has unevaluated slips", id), map[string]string{
			"cycle_id": fmt.Sprint(id),
			"slips":    fmt.Sprint(report.Unevaluated[id]),
		})
	}

	m.logger.Warn().
		Bool("missing_today", report.MissingToday).
		Ints64("overdue", report.Overdue).
		Int("unevaluated_slips", unevaluated).
		Msg("cycle issues found")
	return report, nil
}

func (m *Monitor) alert(ctx context.Context, kind, subject string, fields map[string]string) {
	if m.notifier == nil {
		return
	}
	fields["issue"] = kind
	status := "sent"
	if err := m.notifier.Notify(ctx, alerting.Notification{
		Severity:  alerting.SeverityWarning,
		Component: "oddyssey_monitor",
		Subject:   subject,
		Fields:    fields,
		Time:      m.now(),
	}); err != nil {
		status = "failed"
		m.logger.Warn().Err(err).Str("subject", subject).Msg("alert delivery failed")
	}
	m.opts.Metrics.IncAlert("oddyssey_monitor", status)
}
