package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type opStats struct {
	count   uint64
	errors  uint64
	total   time.Duration
	maximum time.Duration
}

// Collector accumulates per-operation counts and latencies for one adapter
// instance. It feeds HealthCheck's BackendMetrics and implements
// prometheus.Collector so a metrics registry can scrape it directly.
type Collector struct {
	mu    sync.Mutex
	ops   map[string]*opStats
	kinds map[Kind]uint64

	opsDesc     *prometheus.Desc
	errDesc     *prometheus.Desc
	latencyDesc *prometheus.Desc
}

// NewCollector creates a collector labelled with backend and instance.
// Instance distinguishes several adapters of the same backend in one registry.
func NewCollector(backend Backend, instance string) *Collector {
	labels := prometheus.Labels{"backend": string(backend), "instance": instance}
	return &Collector{
		ops:   make(map[string]*opStats),
		kinds: make(map[Kind]uint64),
		opsDesc: prometheus.NewDesc(
			"tiermem_adapter_operations_total",
			"Total adapter operations by op",
			[]string{"op"}, labels,
		),
		errDesc: prometheus.NewDesc(
			"tiermem_adapter_errors_total",
			"Total adapter errors by kind",
			[]string{"kind"}, labels,
		),
		latencyDesc: prometheus.NewDesc(
			"tiermem_adapter_latency_seconds_total",
			"Cumulative adapter operation latency by op",
			[]string{"op"}, labels,
		),
	}
}

// Observe records one operation that started at start. A nil collector is a no-op.
func (c *Collector) Observe(op string, start time.Time, err error) {
	if c == nil {
		return
	}
	d := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.ops[op]
	if !ok {
		s = &opStats{}
		c.ops[op] = s
	}
	s.count++
	s.total += d
	if d > s.maximum {
		s.maximum = d
	}
	// not-found is an expected outcome, not a backend error
	if err != nil && !IsNotFound(err) {
		s.errors++
		kind := KindOf(err)
		if kind == "" {
			kind = KindQuery
		}
		c.kinds[kind]++
	}
}

// Snapshot returns the accumulated statistics in a JSON-friendly shape.
func (c *Collector) Snapshot() map[string]any {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ops := make(map[string]any, len(c.ops))
	for name, s := range c.ops {
		avg := 0.0
		if s.count > 0 {
			avg = float64(s.total.Microseconds()) / float64(s.count) / 1000
		}
		ops[name] = map[string]any{
			"count":          s.count,
			"errors":         s.errors,
			"avg_latency_ms": avg,
			"max_latency_ms": float64(s.maximum.Microseconds()) / 1000,
		}
	}
	kinds := make(map[string]uint64, len(c.kinds))
	for k, n := range c.kinds {
		kinds[string(k)] = n
	}
	return map[string]any{"operations": ops, "errors_by_kind": kinds}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.opsDesc
	ch <- c.errDesc
	ch <- c.latencyDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.ops))
	for name := range c.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := c.ops[name]
		ch <- prometheus.MustNewConstMetric(c.opsDesc, prometheus.CounterValue, float64(s.count), name)
		ch <- prometheus.MustNewConstMetric(c.latencyDesc, prometheus.CounterValue, s.total.Seconds(), name)
	}
	for kind, n := range c.kinds {
		ch <- prometheus.MustNewConstMetric(c.errDesc, prometheus.CounterValue, float64(n), string(kind))
	}
}
