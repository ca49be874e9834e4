package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "settler"

// Metrics holds one counter family per component plus a few gauges.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal       *prometheus.CounterVec
	TickDuration     *prometheus.HistogramVec
	ResultsIngested  *prometheus.CounterVec
	EventsApplied    *prometheus.CounterVec
	SyncedBlock      prometheus.Gauge
	PoolTransitions  *prometheus.CounterVec
	OracleSubmits    *prometheus.CounterVec
	Transactions     *prometheus.CounterVec
	CyclesResolved   prometheus.Counter
	SlipsEvaluated   prometheus.Counter
	CycleHealth      *prometheus.GaugeVec
	AlertsDispatched *prometheus.CounterVec
}

// New creates a registry with every collector registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Component ticks by outcome",
			},
			[]string{"component", "status"},
		),
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Duration of one component tick",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"component"},
		),
		ResultsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fixture_results_total",
				Help:      "Fixture results handled by the ingestion worker",
			},
			[]string{"status"},
		),
		EventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_events_total",
				Help:      "Chain events mirrored, by event name",
			},
			[]string{"event"},
		),
		SyncedBlock: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chain_synced_block",
				Help:      "Last block fully mirrored",
			},
		),
		PoolTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_transitions_total",
				Help:      "Settlement pipeline terminal decisions per pool",
			},
			[]string{"status", "reason"},
		),
		OracleSubmits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_submissions_total",
				Help:      "Oracle submitOutcome attempts",
			},
			[]string{"status"},
		),
		Transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Transactions sent by method and status",
			},
			[]string{"method", "status"},
		),
		CyclesResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oddyssey_cycles_resolved_total",
				Help:      "Oddyssey cycles resolved on-chain",
			},
		),
		SlipsEvaluated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oddyssey_slips_evaluated_total",
				Help:      "Oddyssey slips evaluated",
			},
		),
		CycleHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "oddyssey_cycle_issues",
				Help:      "Cycle monitor findings by kind",
			},
			[]string{"kind"},
		),
		AlertsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Operator alerts by component and delivery status",
			},
			[]string{"component", "status"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TicksTotal,
		m.TickDuration,
		m.ResultsIngested,
		m.EventsApplied,
		m.SyncedBlock,
		m.PoolTransitions,
		m.OracleSubmits,
		m.Transactions,
		m.CyclesResolved,
		m.SlipsEvaluated,
		m.CycleHealth,
		m.AlertsDispatched,
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTick records one component tick.
func (m *Metrics) ObserveTick(component string, seconds float64, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TicksTotal.WithLabelValues(component, status).Inc()
	m.TickDuration.WithLabelValues(component).Observe(seconds)
}

// The helpers below accept a nil receiver so components can run without metrics.

func (m *Metrics) IncResult(status string) {
	if m != nil {
		m.ResultsIngested.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncEvent(event string) {
	if m != nil {
		m.EventsApplied.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) SetSyncedBlock(block uint64) {
	if m != nil {
		m.SyncedBlock.Set(float64(block))
	}
}

func (m *Metrics) IncPoolTransition(status, reason string) {
	if m != nil {
		m.PoolTransitions.WithLabelValues(status, reason).Inc()
	}
}

func (m *Metrics) IncOracleSubmit(status string) {
	if m != nil {
		m.OracleSubmits.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncTransaction(method, status string) {
	if m != nil {
		m.Transactions.WithLabelValues(method, status).Inc()
	}
}

func (m *Metrics) IncCyclesResolved() {
	if m != nil {
		m.CyclesResolved.Inc()
	}
}

func (m *Metrics) AddSlipsEvaluated(n int) {
	if m != nil {
		m.SlipsEvaluated.Add(float64(n))
	}
}

func (m *Metrics) SetCycleIssues(kind string, n int) {
	if m != nil {
		m.CycleHealth.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *Metrics) IncAlert(component, status string) {
	if m != nil {
		m.AlertsDispatched.WithLabelValues(component, status).Inc()
	}
}
