// Package metrics exports Prometheus metrics for runs and the watch queue.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
)

// Metrics holds all orchestrator metrics on a dedicated registry
type Metrics struct {
	registry *prometheus.Registry

	mu     sync.Mutex
	cycles map[string][2]int

	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	FallbacksTotal     *prometheus.CounterVec
	CyclesTotal        *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	RunsTotal          *prometheus.CounterVec
	OpenFindings       prometheus.Gauge
	QueuePending       prometheus.Gauge
}

// New creates the metrics under namespace
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cycles:   make(map[string][2]int),
		InvocationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Backend invocations by role, backend and outcome",
			},
			[]string{"role", "backend", "outcome"},
		),
		InvocationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Backend invocation duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"role", "backend"},
		),
		FallbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallbacks_total",
				Help:      "Invocations served by an alternate backend",
			},
			[]string{"role", "backend"},
		),
		CyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Completed cycles by phase",
			},
			[]string{"phase"},
		),
		TransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "State machine transitions",
			},
			[]string{"from", "to"},
		),
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Runs that reached a terminal status",
			},
			[]string{"status"},
		),
		OpenFindings: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_findings",
				Help:      "Open findings of the active run",
			},
		),
		QueuePending: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_pending",
				Help:      "Task files waiting in the inbox",
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Transition counts state machine transitions
func (m *Metrics) Transition(_ *domain.RunState, from, to domain.State) {
	m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// Invocation records one backend call
func (m *Metrics) Invocation(_ *domain.RunState, rec domain.InvocationRecord) {
	m.InvocationsTotal.WithLabelValues(string(rec.Role), rec.Backend, string(rec.Outcome)).Inc()
	m.InvocationDuration.WithLabelValues(string(rec.Role), rec.Backend).Observe(rec.Duration.Seconds())
	if rec.SubstitutedFor != "" {
		m.FallbacksTotal.WithLabelValues(string(rec.Role), rec.Backend).Inc()
	}
}

// Track sets the cycle baseline of a run that is resumed, so cycles
// completed before this process started are not counted
func (m *Metrics) Track(st *domain.RunState) {
	m.mu.Lock()
	m.cycles[st.RunID] = [2]int{st.Phase1Cycle, st.Phase2Cycle}
	m.mu.Unlock()
}

// Committed counts cycles completed since the previous commit of the run,
// updates gauges and counts terminal runs
func (m *Metrics) Committed(st *domain.RunState) {
	m.mu.Lock()
	prev := m.cycles[st.RunID]
	m.cycles[st.RunID] = [2]int{st.Phase1Cycle, st.Phase2Cycle}
	m.mu.Unlock()
	if d := st.Phase1Cycle - prev[0]; d > 0 {
		m.CyclesTotal.WithLabelValues(string(domain.Phase1)).Add(float64(d))
	}
	if d := st.Phase2Cycle - prev[1]; d > 0 {
		m.CyclesTotal.WithLabelValues(string(domain.Phase2)).Add(float64(d))
	}

	m.OpenFindings.Set(float64(len(st.OpenFindings())))
	if st.Status != domain.RunRunning {
		m.RunsTotal.WithLabelValues(string(st.Status)).Inc()
	}
}

// SetQueuePending reports the inbox backlog
func (m *Metrics) SetQueuePending(n int) {
	m.QueuePending.Set(float64(n))
}
