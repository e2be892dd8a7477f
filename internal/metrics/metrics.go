// Package metrics holds the Prometheus instruments for the orchestration core.
// Every recording method is safe on a nil *Metrics, so components can run
// without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the core.
type Metrics struct {
	// Provider router
	ProviderCalls     *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	CircuitState      *prometheus.GaugeVec
	ProviderExhausted prometheus.Counter
	CacheHits         prometheus.Counter

	// Degradation monitor
	Mode              prometheus.Gauge
	ModeTransitions   *prometheus.CounterVec
	DependencyHealthy *prometheus.GaugeVec

	// Safety net
	Actions           *prometheus.CounterVec
	Overrides         *prometheus.CounterVec
	Rollbacks         *prometheus.CounterVec
	SnapshotConflicts prometheus.Counter

	// Affect and pipeline
	AffectUpdates *prometheus.CounterVec
	Turns         *prometheus.CounterVec
	TurnDuration  prometheus.Histogram
	StepDuration  *prometheus.HistogramVec
}

// NewRegistry returns a registry preloaded with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProviderCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_provider_calls_total",
				Help: "Provider call attempts by outcome",
			},
			[]string{"provider", "outcome"}, // outcome: ok, transient, permanent, skipped
		),
		ProviderLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cortex_provider_latency_seconds",
				Help:    "Latency of provider calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		CircuitState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cortex_provider_circuit_state",
				Help: "Circuit state per provider (0 closed, 1 open, 2 half-open)",
			},
			[]string{"provider"},
		),
		ProviderExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "cortex_providers_exhausted_total",
			Help: "Generation requests for which every provider failed",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "cortex_response_cache_hits_total",
			Help: "Offline-mode generations served from the response cache",
		}),

		Mode: f.NewGauge(prometheus.GaugeOpts{
			Name: "cortex_degradation_mode",
			Help: "Current mode (0 full, 1 amnesia, 2 offline, 3 dead)",
		}),
		ModeTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_mode_transitions_total",
				Help: "Degradation mode transitions",
			},
			[]string{"from", "to"},
		),
		DependencyHealthy: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cortex_dependency_healthy",
				Help: "Hysteresis-filtered dependency health (1 healthy)",
			},
			[]string{"dependency", "role"},
		),

		Actions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_actions_total",
				Help: "Actions handled by the safety net",
			},
			[]string{"tool", "result"}, // result: ok, failed, denied
		),
		Overrides: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_action_overrides_total",
				Help: "Actions executed outside the tier's allowed set under advisory enforcement",
			},
			[]string{"tier"},
		),
		Rollbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_rollbacks_total",
				Help: "Rollback attempts by result",
			},
			[]string{"result"},
		),
		SnapshotConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "cortex_snapshot_conflicts_total",
			Help: "Actions that timed out waiting for a resource lock",
		}),

		AffectUpdates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_affect_updates_total",
				Help: "Affective state changes by resulting posture",
			},
			[]string{"posture"},
		),
		Turns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_turns_total",
				Help: "Completed turns by mode and outcome",
			},
			[]string{"mode", "outcome"}, // outcome: ok, degraded, error
		),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cortex_turn_duration_seconds",
			Help:    "End-to-end turn latency",
			Buckets: prometheus.DefBuckets,
		}),
		StepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cortex_step_duration_seconds",
				Help:    "Pipeline step latency",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"step"},
		),
	}
}

func (m *Metrics) ObserveProviderCall(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, outcome).Inc()
	if outcome != "skipped" {
		m.ProviderLatency.WithLabelValues(provider).Observe(d.Seconds())
	}
}

func (m *Metrics) SetCircuitState(provider string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) IncExhausted() {
	if m == nil {
		return
	}
	m.ProviderExhausted.Inc()
}

func (m *Metrics) IncCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Metrics) ObserveModeTransition(from, to string, mode int) {
	if m == nil {
		return
	}
	m.ModeTransitions.WithLabelValues(from, to).Inc()
	m.Mode.Set(float64(mode))
}

func (m *Metrics) SetDependencyHealthy(dep, role string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.DependencyHealthy.WithLabelValues(dep, role).Set(v)
}

func (m *Metrics) ObserveAction(tool, result string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(tool, result).Inc()
}

func (m *Metrics) IncOverride(tier string) {
	if m == nil {
		return
	}
	m.Overrides.WithLabelValues(tier).Inc()
}

func (m *Metrics) ObserveRollback(result string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) IncSnapshotConflict() {
	if m == nil {
		return
	}
	m.SnapshotConflicts.Inc()
}

func (m *Metrics) ObserveAffectUpdate(posture string) {
	if m == nil {
		return
	}
	m.AffectUpdates.WithLabelValues(posture).Inc()
}

func (m *Metrics) ObserveTurn(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(mode, outcome).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}
