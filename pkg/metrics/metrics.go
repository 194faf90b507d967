// Package metrics provides Prometheus instrumentation for the memory tiers,
// the lifecycle engines and the ops HTTP server. Every Manager owns its
// registry; nothing is registered globally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tiermem"

// Manager manages all Prometheus metrics for tiermem.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Tier metrics
	tierOps      *prometheus.CounterVec
	tierDuration *prometheus.HistogramVec
	gateDecision *prometheus.CounterVec
	gateScore    *prometheus.HistogramVec

	// Lifecycle metrics
	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	created       *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec

	// HTTP metrics
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`

	// Histogram bucket configurations
	TierDurationBuckets  []float64 `mapstructure:"tier_duration_buckets"`
	CycleDurationBuckets []float64 `mapstructure:"cycle_duration_buckets"`
	HTTPDurationBuckets  []float64 `mapstructure:"http_duration_buckets"`
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Path:                 "/metrics",
		TierDurationBuckets:  []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		CycleDurationBuckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		HTTPDurationBuckets:  []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}
	def := DefaultConfig()
	if len(cfg.TierDurationBuckets) == 0 {
		cfg.TierDurationBuckets = def.TierDurationBuckets
	}
	if len(cfg.CycleDurationBuckets) == 0 {
		cfg.CycleDurationBuckets = def.CycleDurationBuckets
	}
	if len(cfg.HTTPDurationBuckets) == 0 {
		cfg.HTTPDurationBuckets = def.HTTPDurationBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initTierMetrics(cfg)
	m.initLifecycleMetrics(cfg)
	m.initHTTPMetrics(cfg)

	return m
}

// NoOpManager returns a manager that records nothing.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Registry exposes the manager's registry, nil when disabled.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Register adds an external collector, typically a storage adapter's
// per-instance collector.
func (m *Manager) Register(c prometheus.Collector) error {
	if !m.enabled {
		return nil
	}
	return m.registry.Register(c)
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
