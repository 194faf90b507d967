package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goclaw/tiermem/pkg/storage"
	"github.com/goclaw/tiermem/pkg/tier"
)

var _ tier.Observer = (*Manager)(nil)

func (m *Manager) initTierMetrics(cfg Config) {
	m.tierOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_operations_total",
			Help:      "Tier operations by outcome. Errors are labelled with their storage error kind.",
		},
		[]string{"tier", "op", "result"},
	)

	m.tierDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tier_operation_duration_seconds",
			Help:      "Tier operation latency in seconds",
			Buckets:   cfg.TierDurationBuckets,
		},
		[]string{"tier", "op"},
	)

	m.gateDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ciar_gate_decisions_total",
			Help:      "CIAR promotion gate decisions",
		},
		[]string{"tier", "decision"},
	)

	m.gateScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ciar_gate_score",
			Help:      "CIAR scores seen at the promotion gate",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"tier"},
	)

	m.registry.MustRegister(m.tierOps, m.tierDuration, m.gateDecision, m.gateScore)
}

// ObserveTierOp records one tier operation.
func (m *Manager) ObserveTierOp(id tier.ID, op string, start time.Time, err error) {
	if !m.enabled {
		return
	}
	result := "ok"
	if err != nil {
		result = string(storage.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.tierOps.WithLabelValues(string(id), op, result).Inc()
	m.tierDuration.WithLabelValues(string(id), op).Observe(time.Since(start).Seconds())
}

// ObserveGate records a CIAR gate decision.
func (m *Manager) ObserveGate(id tier.ID, passed bool, score float64) {
	if !m.enabled {
		return
	}
	decision := "rejected"
	if passed {
		decision = "promoted"
	}
	m.gateDecision.WithLabelValues(string(id), decision).Inc()
	m.gateScore.WithLabelValues(string(id)).Observe(score)
}
