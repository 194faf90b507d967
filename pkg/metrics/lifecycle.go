package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goclaw/tiermem/pkg/lifecycle"
	"github.com/goclaw/tiermem/pkg/llm"
)

var _ lifecycle.Observer = (*Manager)(nil)

func (m *Manager) initLifecycleMetrics(cfg Config) {
	m.cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_cycles_total",
			Help:      "Lifecycle engine cycles by outcome",
		},
		[]string{"engine", "result"},
	)

	m.cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lifecycle_cycle_duration_seconds",
			Help:      "Lifecycle engine cycle duration in seconds",
			Buckets:   cfg.CycleDurationBuckets,
		},
		[]string{"engine"},
	)

	m.created = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_created_total",
			Help:      "Facts, episodes or documents created by each engine",
		},
		[]string{"engine"},
	)

	m.fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_fallbacks_total",
			Help:      "Generation calls answered by the rule-based fallback",
		},
		[]string{"engine", "task"},
	)

	m.registry.MustRegister(m.cycles, m.cycleDuration, m.created, m.fallbacks)
}

// ObserveCycle records a completed engine cycle.
func (m *Manager) ObserveCycle(engine string, start time.Time, created int, err error) {
	if !m.enabled {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.cycles.WithLabelValues(engine, result).Inc()
	m.cycleDuration.WithLabelValues(engine).Observe(time.Since(start).Seconds())
	if created > 0 {
		m.created.WithLabelValues(engine).Add(float64(created))
	}
}

// ObserveFallback records a generation fallback.
func (m *Manager) ObserveFallback(engine string, task llm.Task) {
	if !m.enabled {
		return
	}
	m.fallbacks.WithLabelValues(engine, string(task)).Inc()
}
