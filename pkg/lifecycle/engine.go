// Package lifecycle moves memory forward through the tiers: promotion
// (L1 to L2), consolidation (L2 to L3) and distillation (L3 to L4). Each
// engine is invoked independently and degrades to rule-based generation
// when the model is unavailable.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/tiermem/pkg/llm"
	"github.com/goclaw/tiermem/pkg/logger"
	"github.com/goclaw/tiermem/pkg/storage"
	"github.com/goclaw/tiermem/pkg/tier"
)

const tracerName = "tiermem.lifecycle"

// Engine names.
const (
	EnginePromotion     = "promotion"
	EngineConsolidation = "consolidation"
	EngineDistillation  = "distillation"
)

// Engine is the contract shared by the lifecycle engines.
type Engine interface {
	Name() string
	HealthCheck(ctx context.Context) Health
	Metrics() Metrics
}

// Health reports an engine's last outcome and the tiers it depends on.
type Health struct {
	Engine    string                  `json:"engine"`
	Status    storage.Status          `json:"status"`
	LastRun   time.Time               `json:"last_run"`
	LastError string                  `json:"last_error,omitempty"`
	Tiers     map[tier.ID]tier.Health `json:"tiers"`
}

// Metrics are cumulative engine counters.
type Metrics struct {
	Cycles       int64         `json:"cycles"`
	Failures     int64         `json:"failures"`
	Fallbacks    int64         `json:"fallbacks"`
	Processed    int64         `json:"processed"`
	Created      int64         `json:"created"`
	Rejected     int64         `json:"rejected"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// Observer receives engine outcomes. pkg/metrics implements it.
type Observer interface {
	ObserveCycle(engine string, start time.Time, created int, err error)
	ObserveFallback(engine string, task llm.Task)
}

type nopObserver struct{}

func (nopObserver) ObserveCycle(string, time.Time, int, error) {}
func (nopObserver) ObserveFallback(string, llm.Task)          {}

// Option configures an engine.
type Option func(*engine)

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *engine) { e.logger = l }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *engine) {
		if now != nil {
			e.now = now
		}
	}
}

// engine carries the bookkeeping every engine shares.
type engine struct {
	name     string
	gen      llm.Generator
	tiers    []tier.Tier
	logger   logger.Logger
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	metrics Metrics
}

func newEngine(name string, gen llm.Generator, tiers []tier.Tier, opts []Option) engine {
	if gen == nil {
		gen = llm.NewRules()
	}
	e := engine{
		name:     name,
		gen:      gen,
		tiers:    tiers,
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&e)
	}
	e.logger = logger.Named(e.logger, "lifecycle."+name)
	return e
}

func (e *engine) Name() string { return e.name }

// Metrics returns a snapshot of the engine counters.
func (e *engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// HealthCheck is unhealthy when a tier is, degraded when a tier is
// degraded or the last cycle failed.
func (e *engine) HealthCheck(ctx context.Context) Health {
	m := e.Metrics()
	h := Health{
		Engine:    e.name,
		Status:    storage.StatusHealthy,
		LastRun:   m.LastRun,
		LastError: m.LastError,
		Tiers:     make(map[tier.ID]tier.Health, len(e.tiers)),
	}
	for _, t := range e.tiers {
		th := t.HealthCheck(ctx)
		h.Tiers[t.ID()] = th
		h.Status = worse(h.Status, th.Status)
	}
	if m.LastError != "" {
		h.Status = worse(h.Status, storage.StatusDegraded)
	}
	return h
}

func worse(a, b storage.Status) storage.Status {
	rank := map[storage.Status]int{storage.StatusHealthy: 0, storage.StatusDegraded: 1, storage.StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// begin opens the cycle span.
func (e *engine) begin(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "lifecycle."+e.name, trace.WithAttributes(
		attribute.String("tiermem.engine", e.name),
		attribute.String("tiermem.session_id", sessionID),
	))
}

// finish records the cycle outcome on the span, the counters and the
// observer.
func (e *engine) finish(span trace.Span, start time.Time, processed, created, rejected int, fallbacks int, err error) {
	span.SetAttributes(
		attribute.Int("tiermem.processed", processed),
		attribute.Int("tiermem.created", created),
		attribute.Int("tiermem.rejected", rejected),
		attribute.Int("tiermem.fallbacks", fallbacks),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	span.End()

	e.mu.Lock()
	e.metrics.Cycles++
	e.metrics.Processed += int64(processed)
	e.metrics.Created += int64(created)
	e.metrics.Rejected += int64(rejected)
	e.metrics.Fallbacks += int64(fallbacks)
	e.metrics.LastRun = start
	e.metrics.LastDuration = time.Since(start)
	if err != nil {
		e.metrics.Failures++
		e.metrics.LastError = err.Error()
	} else {
		e.metrics.LastError = ""
	}
	e.mu.Unlock()

	e.observer.ObserveCycle(e.name, start, created, err)
}

// generate runs a structured generation with rule-based fallback and
// reports whether the fallback was used.
func (e *engine) generate(ctx context.Context, req llm.Request, out any) (bool, error) {
	fallback, err := llm.Fallback(ctx, e.gen, req, out)
	if fallback {
		e.observer.ObserveFallback(e.name, req.Task)
		e.logger.DebugContext(ctx, "generation fell back to rules", "task", req.Task)
	}
	return fallback, err
}
