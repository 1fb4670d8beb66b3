package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the driver and queues.
type Metrics struct {
	registry *prometheus.Registry

	// Tick metrics
	TicksTotal          *prometheus.CounterVec
	TickLag             *prometheus.HistogramVec
	WaitingParticipants prometheus.Gauge

	// Step metrics
	StepsTotal     *prometheus.CounterVec
	EffectsTotal   *prometheus.CounterVec
	StepDuration   prometheus.Histogram
	FatalErrors    prometheus.Counter
	DedupHitsTotal *prometheus.CounterVec

	// Queue metrics
	QueueDepth   *prometheus.GaugeVec
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	// Override metrics
	OverrideWritesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticks_total",
				Help: "Total ticks resolved, by outcome",
			},
			[]string{"outcome"},
		),
		TickLag: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tick_lag_seconds",
				Help:    "Time from tick start to participant acknowledgment",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 45, 60},
			},
			[]string{"participant_kind"},
		),
		WaitingParticipants: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "waiting_participants",
				Help: "Participants currently blocking tick advancement",
			},
		),

		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_steps_total",
				Help: "Total agent steps, by current state kind and status",
			},
			[]string{"kind", "status"},
		),
		EffectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "effects_applied_total",
				Help: "Total effects applied, by effect type",
			},
			[]string{"type"},
		),
		StepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_step_duration_seconds",
				Help:    "Duration of a single agent step",
				Buckets: prometheus.DefBuckets,
			},
		),
		FatalErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fatal_consistency_errors_total",
				Help: "Fatal consistency errors surfaced to the operator",
			},
		),
		DedupHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dedup_hits_total",
				Help: "Duplicate pushes/enqueues collapsed, by scope",
			},
			[]string{"scope"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current queued task count by queue",
			},
			[]string{"queue"},
		),
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_total",
				Help: "Total tasks processed, by queue and status",
			},
			[]string{"queue", "status"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "task_duration_seconds",
				Help:    "Task execution duration by queue",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),

		OverrideWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "override_writes_total",
				Help: "Override patch writes, by status",
			},
			[]string{"status"},
		),
	}

	m.registerMetrics()
	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.TicksTotal)
	m.registry.MustRegister(m.TickLag)
	m.registry.MustRegister(m.WaitingParticipants)
	m.registry.MustRegister(m.StepsTotal)
	m.registry.MustRegister(m.EffectsTotal)
	m.registry.MustRegister(m.StepDuration)
	m.registry.MustRegister(m.FatalErrors)
	m.registry.MustRegister(m.DedupHitsTotal)
	m.registry.MustRegister(m.QueueDepth)
	m.registry.MustRegister(m.TasksTotal)
	m.registry.MustRegister(m.TaskDuration)
	m.registry.MustRegister(m.OverrideWritesTotal)
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
