// Package metrics exposes the PM daemon's counters as Prometheus metrics.
//
// Endpoint: GET /metrics on the daemon's loopback status server.
// Metric naming convention: pilotd_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry, not the
// global default one, so this process can be instrumented without
// colliding with anything else that happens to import client_golang.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus descriptor the daemon publishes.
type Metrics struct {
	registry *prometheus.Registry

	TickCount         prometheus.Counter
	EventsProcessed   prometheus.Counter
	AgentsSpawned     prometheus.Counter
	TasksAutoReviewed prometheus.Counter
	TasksAutoClosed   prometheus.Counter
	Errors            prometheus.Counter

	ActiveSessions  prometheus.Gauge
	SpawnedRunning  prometheus.Gauge
	LastTickSeconds prometheus.Gauge

	ScanDuration    *prometheus.HistogramVec
	ScanResultsTotal *prometheus.CounterVec

	AutoscaleDecisionsTotal *prometheus.CounterVec
}

// New builds and registers every metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		TickCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pilotd", Subsystem: "loop", Name: "ticks_total",
			Help: "Total scan-loop ticks completed.",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pilotd", Subsystem: "bus", Name: "events_processed_total",
			Help: "Total bus events consumed across all scans.",
		}),
		AgentsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pilotd", Subsystem: "spawner", Name: "agents_spawned_total",
			Help: "Total agent subprocesses spawned since daemon start.",
		}),
		TasksAutoReviewed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pilotd", Subsystem: "tasks", Name: "auto_reviewed_total",
			Help: "Total tasks auto-reviewed without human intervention.",
		}),
		TasksAutoClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pilotd", Subsystem: "tasks", Name: "auto_closed_total",
			Help: "Total tasks auto-closed without human intervention.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pilotd", Subsystem: "loop", Name: "errors_total",
			Help: "Total tick-level errors recorded by PmState.",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pilotd", Subsystem: "session", Name: "active",
			Help: "Current number of active sessions.",
		}),
		SpawnedRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pilotd", Subsystem: "spawner", Name: "running",
			Help: "Current number of live spawned agent processes.",
		}),
		LastTickSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pilotd", Subsystem: "loop", Name: "last_tick_unixtime_seconds",
			Help: "Unix timestamp of the last completed tick.",
		}),

		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pilotd", Subsystem: "scan", Name: "duration_seconds",
			Help:    "Scan execution latency by scan kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		ScanResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pilotd", Subsystem: "scan", Name: "results_total",
			Help: "Total scan results emitted, by kind and classification.",
		}, []string{"kind", "class"}),

		AutoscaleDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pilotd", Subsystem: "autoscale", Name: "decisions_total",
			Help: "Total autoscale decisions, by action taken.",
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.TickCount, m.EventsProcessed, m.AgentsSpawned, m.TasksAutoReviewed,
		m.TasksAutoClosed, m.Errors, m.ActiveSessions, m.SpawnedRunning,
		m.LastTickSeconds, m.ScanDuration, m.ScanResultsTotal, m.AutoscaleDecisionsTotal,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the promhttp handler bound to this registry, for mounting
// at GET /metrics on the status server.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// Snapshot is the minimal read surface metrics.Sync needs; the daemon
// copies PmStateData's counters into it field by field, so this package
// does not import pkg/daemon.
type Snapshot struct {
	TickCount         int64
	EventsProcessed   int64
	AgentsSpawned     int64
	TasksAutoReviewed int64
	TasksAutoClosed   int64
	Errors            int64
	LastTickAt        time.Time
	ActiveSessions    int
	SpawnedRunning    int
}

// Sync reconciles the monotonic counters against the latest PmState
// snapshot's cumulative totals and replaces the gauges outright. Called
// once per tick from the daemon's tick loop.
func (m *Metrics) Sync(prev *CounterState, snap Snapshot) {
	m.TickCount.Add(float64(delta(&prev.tick, snap.TickCount)))
	m.EventsProcessed.Add(float64(delta(&prev.events, snap.EventsProcessed)))
	m.AgentsSpawned.Add(float64(delta(&prev.spawned, snap.AgentsSpawned)))
	m.TasksAutoReviewed.Add(float64(delta(&prev.reviewed, snap.TasksAutoReviewed)))
	m.TasksAutoClosed.Add(float64(delta(&prev.closed, snap.TasksAutoClosed)))
	m.Errors.Add(float64(delta(&prev.errs, snap.Errors)))

	m.ActiveSessions.Set(float64(snap.ActiveSessions))
	m.SpawnedRunning.Set(float64(snap.SpawnedRunning))
	if !snap.LastTickAt.IsZero() {
		m.LastTickSeconds.Set(float64(snap.LastTickAt.Unix()))
	}
}

// CounterState carries the previous absolute reading for each cumulative
// counter so Sync can derive the increment prometheus.Counter requires.
type CounterState struct {
	tick, events, spawned, reviewed, closed, errs int64
}

// NewCounterState returns a zeroed baseline for use with Sync.
func NewCounterState() *CounterState { return &CounterState{} }

func delta(prev *int64, cur int64) int64 {
	d := cur - *prev
	*prev = cur
	if d < 0 {
		return 0
	}
	return d
}

// RecordScan records one scan execution's latency and result counts.
func (m *Metrics) RecordScan(kind string, dur time.Duration, mechanical, judgment int) {
	m.ScanDuration.WithLabelValues(kind).Observe(dur.Seconds())
	if mechanical > 0 {
		m.ScanResultsTotal.WithLabelValues(kind, "mechanical").Add(float64(mechanical))
	}
	if judgment > 0 {
		m.ScanResultsTotal.WithLabelValues(kind, "judgment").Add(float64(judgment))
	}
}

// RecordAutoscaleDecision increments the decision counter for action.
func (m *Metrics) RecordAutoscaleDecision(action string) {
	m.AutoscaleDecisionsTotal.WithLabelValues(action).Inc()
}
