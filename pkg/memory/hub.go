package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/tiermem/pkg/lifecycle"
	"github.com/goclaw/tiermem/pkg/llm"
	"github.com/goclaw/tiermem/pkg/logger"
	"github.com/goclaw/tiermem/pkg/storage"
	"github.com/goclaw/tiermem/pkg/tier"
)

const tracerName = "tiermem.memory"

// Tiers are the tier instances the hub coordinates. Every tier is required.
type Tiers struct {
	L1 *tier.ActiveContext
	L2 *tier.WorkingMemory
	L3 *tier.EpisodicMemory
	L4 *tier.SemanticMemory
}

func (t Tiers) all() []tier.Tier {
	return []tier.Tier{t.L1, t.L2, t.L3, t.L4}
}

// Option configures a MemoryHub.
type Option func(*MemoryHub)

// WithLogger sets the hub logger; engines receive component-scoped children.
func WithLogger(l logger.Logger) Option {
	return func(h *MemoryHub) { h.logger = l }
}

// WithGenerator sets the text-generation capability. Without one the hub
// answers with rules.
func WithGenerator(g llm.Generator) Option {
	return func(h *MemoryHub) { h.gen = g }
}

// WithEmbedder sets the embedding capability. Without one the hub uses hash
// embeddings.
func WithEmbedder(e llm.Embedder) Option {
	return func(h *MemoryHub) { h.embedder = e }
}

// WithEngineObserver receives lifecycle engine metrics.
func WithEngineObserver(o lifecycle.Observer) Option {
	return func(h *MemoryHub) { h.engineObserver = o }
}

// WithClock overrides time.Now for the engines.
func WithClock(now func() time.Time) Option {
	return func(h *MemoryHub) { h.now = now }
}

// MemoryHub is the concrete implementation of the Hub interface.
type MemoryHub struct {
	mu sync.RWMutex

	cfg            Config
	tiers          Tiers
	gen            llm.Generator
	embedder       llm.Embedder
	engineObserver lifecycle.Observer
	now            func() time.Time
	logger         logger.Logger
	tracer         trace.Tracer

	promotion     *lifecycle.Promotion
	consolidation *lifecycle.Consolidation
	distillation  *lifecycle.Distillation
	scheduler     *lifecycle.Scheduler
	cache         *ristretto.Cache[string, *Synthesis]

	started bool
}

var _ Hub = (*MemoryHub)(nil)

// NewMemoryHub wires the engines over the given tiers. It rejects tier
// weights that do not sum to 1.0.
func NewMemoryHub(tiers Tiers, cfg Config, opts ...Option) (*MemoryHub, error) {
	if tiers.L1 == nil || tiers.L2 == nil || tiers.L3 == nil || tiers.L4 == nil {
		return nil, errors.New("memory: all four tiers are required")
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	h := &MemoryHub{
		cfg:    cfg,
		tiers:  tiers,
		now:    time.Now,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.embedder == nil {
		h.embedder = llm.NewHashEmbedder(0)
	}
	base := h.logger
	h.logger = logger.Named(base, "memory")

	engineOpts := []lifecycle.Option{
		lifecycle.WithLogger(base),
		lifecycle.WithObserver(h.engineObserver),
		lifecycle.WithClock(h.now),
	}
	h.promotion = lifecycle.NewPromotion(tiers.L1, tiers.L2, h.gen, cfg.Promotion, engineOpts...)
	h.consolidation = lifecycle.NewConsolidation(tiers.L2, tiers.L3, h.gen, h.embedder, cfg.Consolidation, engineOpts...)
	h.distillation = lifecycle.NewDistillation(tiers.L3, tiers.L4, h.gen, cfg.Distillation, engineOpts...)
	h.scheduler = lifecycle.NewScheduler(cfg.Scheduler, h.promotion, h.consolidation, h.distillation, base)

	cache, err := ristretto.NewCache(&ristretto.Config[string, *Synthesis]{
		NumCounters: cfg.SynthesisCacheSize * 10,
		MaxCost:     cfg.SynthesisCacheSize,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: synthesis cache: %w", err)
	}
	h.cache = cache
	return h, nil
}

// Start initializes every tier and, when enabled, the background scheduler.
func (h *MemoryHub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return fmt.Errorf("memory hub already started")
	}

	h.logger.InfoContext(ctx, "starting memory hub",
		"weights", h.cfg.Weights,
		"scheduler", h.cfg.Scheduler.Enabled,
		"interval", h.cfg.Scheduler.Interval,
	)

	var initialized []tier.Tier
	for _, t := range h.tiers.all() {
		if err := t.Initialize(ctx); err != nil {
			for _, done := range initialized {
				if cerr := done.Cleanup(ctx); cerr != nil {
					h.logger.WarnContext(ctx, "tier cleanup failed", "tier", done.ID(), "error", cerr)
				}
			}
			return fmt.Errorf("memory: initialize %s: %w", t.ID(), err)
		}
		initialized = append(initialized, t)
	}

	if h.cfg.Scheduler.Enabled {
		h.scheduler.Start(context.WithoutCancel(ctx))
	}
	h.started = true

	h.logger.InfoContext(ctx, "memory hub started")
	return nil
}

// Stop stops the scheduler and releases every tier.
func (h *MemoryHub) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}

	h.logger.InfoContext(ctx, "stopping memory hub")
	h.scheduler.Stop()

	var errs []error
	for _, t := range h.tiers.all() {
		if err := t.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.ID(), err))
		}
	}
	h.cache.Clear()
	h.started = false
	h.logger.InfoContext(ctx, "memory hub stopped")
	return errors.Join(errs...)
}

// Close releases the synthesis cache. The hub is unusable afterwards.
func (h *MemoryHub) Close() {
	h.cache.Close()
}

// Tiers returns the tiers for direct per-tier access.
func (h *MemoryHub) Tiers() Tiers { return h.tiers }

// Scheduler returns the background scheduler.
func (h *MemoryHub) Scheduler() *lifecycle.Scheduler { return h.scheduler }

// Engines returns the lifecycle engines.
func (h *MemoryHub) Engines() []lifecycle.Engine {
	return []lifecycle.Engine{h.promotion, h.consolidation, h.distillation}
}

// AddTurn stores a turn in L1 and marks the session for promotion.
func (h *MemoryHub) AddTurn(ctx context.Context, sessionID, role, content string, metadata map[string]string) (string, error) {
	if sessionID == "" {
		return "", ErrInvalidSessionID
	}
	id, err := h.tiers.L1.Store(ctx, tier.Turn{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
	})
	if err != nil {
		return "", err
	}
	h.scheduler.Touch(sessionID, true)
	return id, nil
}

// EndSession promotes the session's remaining turns, consolidates its facts
// and distills once the episode threshold is met. The session stays in L1
// until its TTL expires.
func (h *MemoryHub) EndSession(ctx context.Context, sessionID string) (*SessionReport, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}
	report := &SessionReport{SessionID: sessionID}

	p, err := h.promotion.Process(ctx, sessionID)
	report.Promotion = p
	if err != nil {
		return report, fmt.Errorf("memory: end session: %w", err)
	}
	c, err := h.consolidation.Process(ctx, sessionID)
	report.Consolidation = c
	if err != nil {
		return report, fmt.Errorf("memory: end session: %w", err)
	}
	run, err := h.distillation.ShouldRun(ctx, sessionID)
	if err != nil {
		return report, fmt.Errorf("memory: end session: %w", err)
	}
	if run {
		d, err := h.distillation.Process(ctx, lifecycle.DistillationRequest{SessionID: sessionID})
		report.Distillation = d
		if err != nil {
			return report, fmt.Errorf("memory: end session: %w", err)
		}
	}
	h.scheduler.Forget(sessionID)
	return report, nil
}

// RunPromotionCycle promotes one session, or every session the hub has
// seen when sessionID is empty.
func (h *MemoryHub) RunPromotionCycle(ctx context.Context, sessionID string) (*lifecycle.PromotionResult, error) {
	if sessionID != "" {
		return h.promotion.Process(ctx, sessionID)
	}
	total := &lifecycle.PromotionResult{}
	start := time.Now()
	var errs []error
	for _, s := range h.scheduler.Sessions() {
		res, err := h.promotion.Process(ctx, s)
		mergePromotion(total, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	total.Duration = time.Since(start)
	return total, errors.Join(errs...)
}

// RunConsolidationCycle consolidates one session, or every session holding
// unconsolidated facts when sessionID is empty.
func (h *MemoryHub) RunConsolidationCycle(ctx context.Context, sessionID string) (*lifecycle.ConsolidationResult, error) {
	if sessionID != "" {
		return h.consolidation.Process(ctx, sessionID)
	}
	sessions, err := h.tiers.L2.UnconsolidatedSessions(ctx)
	if err != nil {
		return nil, err
	}
	total := &lifecycle.ConsolidationResult{}
	start := time.Now()
	var errs []error
	for _, s := range sessions {
		res, err := h.consolidation.Process(ctx, s)
		mergeConsolidation(total, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	total.Duration = time.Since(start)
	return total, errors.Join(errs...)
}

// RunDistillationCycle distills one session, or across sessions when
// req.SessionID is empty.
func (h *MemoryHub) RunDistillationCycle(ctx context.Context, req lifecycle.DistillationRequest) (*lifecycle.DistillationResult, error) {
	res, err := h.distillation.Process(ctx, req)
	if err == nil && res.DocumentsCreated > 0 {
		// New documents can change any cached answer.
		h.cache.Clear()
	}
	return res, err
}

func mergePromotion(dst, src *lifecycle.PromotionResult) {
	if src == nil {
		return
	}
	dst.TurnsProcessed += src.TurnsProcessed
	dst.Segments += src.Segments
	dst.SegmentsFiltered += src.SegmentsFiltered
	dst.FactsExtracted += src.FactsExtracted
	dst.Promoted += src.Promoted
	dst.Rejected += src.Rejected
	dst.Duplicates += src.Duplicates
	dst.FactIDs = append(dst.FactIDs, src.FactIDs...)
	dst.FallbackUsed = dst.FallbackUsed || src.FallbackUsed
	dst.Errors = append(dst.Errors, src.Errors...)
}

func mergeConsolidation(dst, src *lifecycle.ConsolidationResult) {
	if src == nil {
		return
	}
	dst.FactsConsidered += src.FactsConsidered
	dst.Clusters += src.Clusters
	dst.EpisodesCreated += src.EpisodesCreated
	dst.EpisodeIDs = append(dst.EpisodeIDs, src.EpisodeIDs...)
	dst.FactsConsolidated += src.FactsConsolidated
	dst.DualWriteFailures += src.DualWriteFailures
	dst.FallbackUsed = dst.FallbackUsed || src.FallbackUsed
	dst.Errors = append(dst.Errors, src.Errors...)
}

// HealthCheck reports the worst status across tiers and engines.
func (h *MemoryHub) HealthCheck(ctx context.Context) Health {
	out := Health{
		Status:    storage.StatusHealthy,
		Tiers:     make(map[tier.ID]tier.Health, 4),
		Engines:   make(map[string]lifecycle.Health, 3),
		CheckedAt: time.Now(),
	}
	for _, t := range h.tiers.all() {
		th := t.HealthCheck(ctx)
		out.Tiers[t.ID()] = th
		out.Status = worse(out.Status, th.Status)
	}
	for _, e := range h.Engines() {
		eh := e.HealthCheck(ctx)
		out.Engines[e.Name()] = eh
		// Tier problems are already counted; engines add their last outcome.
		if eh.LastError != "" {
			out.Status = worse(out.Status, storage.StatusDegraded)
		}
	}
	return out
}

func worse(a, b storage.Status) storage.Status {
	rank := func(s storage.Status) int {
		switch s {
		case storage.StatusUnhealthy:
			return 2
		case storage.StatusDegraded:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
