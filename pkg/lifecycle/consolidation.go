package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goclaw/tiermem/pkg/llm"
	"github.com/goclaw/tiermem/pkg/tier"
)

// ConsolidationConfig configures L2 to L3 consolidation.
type ConsolidationConfig struct {
	// Threshold is the unconsolidated fact count that triggers a cycle.
	Threshold int `mapstructure:"threshold" validate:"min=1"`

	// Window is the span of one episode cluster.
	Window time.Duration `mapstructure:"window" validate:"min=0"`

	// BatchSize bounds the facts read per cycle.
	BatchSize int `mapstructure:"batch_size" validate:"min=0"`

	// RecoveryAge is how old an unconsolidated fact must be before the
	// recovery sweep consolidates it regardless of the threshold. Zero
	// sweeps every unconsolidated fact.
	RecoveryAge time.Duration `mapstructure:"recovery_age" validate:"min=0"`
}

// DefaultConsolidationConfig returns a threshold of 50 and 24h windows.
func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{
		Threshold:   50,
		Window:      24 * time.Hour,
		BatchSize:   1000,
		RecoveryAge: 24 * time.Hour,
	}
}

// ConsolidationResult summarizes one consolidation cycle.
type ConsolidationResult struct {
	SessionID         string        `json:"session_id"`
	FactsConsidered   int           `json:"facts_considered"`
	Clusters          int           `json:"clusters"`
	EpisodesCreated   int           `json:"episodes_created"`
	EpisodeIDs        []string      `json:"episode_ids,omitempty"`
	FactsConsolidated int           `json:"facts_consolidated"`
	DualWriteFailures int           `json:"dual_write_failures"`
	FallbackUsed      bool          `json:"fallback_used"`
	Errors            []string      `json:"errors,omitempty"`
	Duration          time.Duration `json:"duration"`
}

// SweepResult summarizes a recovery sweep.
type SweepResult struct {
	Reconciled tier.ReconcileResult   `json:"reconciled"`
	Sessions   []*ConsolidationResult `json:"sessions,omitempty"`
}

// Consolidation folds unconsolidated L2 facts into time-windowed L3
// episodes. Facts are marked consolidated only after their episode's dual
// write succeeds, and episode ids derive from the source facts, so a retried
// cycle overwrites rather than duplicates.
type Consolidation struct {
	engine
	config   ConsolidationConfig
	l2       *tier.WorkingMemory
	l3       *tier.EpisodicMemory
	embedder llm.Embedder
}

// NewConsolidation creates the consolidation engine. A nil embedder uses
// hash embeddings.
func NewConsolidation(l2 *tier.WorkingMemory, l3 *tier.EpisodicMemory, gen llm.Generator, embedder llm.Embedder, cfg ConsolidationConfig, opts ...Option) *Consolidation {
	def := DefaultConsolidationConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if embedder == nil {
		embedder = llm.NewHashEmbedder(0)
	}
	return &Consolidation{
		engine:   newEngine(EngineConsolidation, gen, []tier.Tier{l2, l3}, opts),
		config:   cfg,
		l2:       l2,
		l3:       l3,
		embedder: embedder,
	}
}

// ShouldRun reports whether a session has reached the pressure threshold.
func (c *Consolidation) ShouldRun(ctx context.Context, sessionID string) (bool, error) {
	n, err := c.l2.CountUnconsolidated(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return n >= c.config.Threshold, nil
}

// Process consolidates every unconsolidated fact of a session.
func (c *Consolidation) Process(ctx context.Context, sessionID string) (*ConsolidationResult, error) {
	return c.process(ctx, sessionID, time.Time{})
}

// RecoverySweep removes one-sided L3 episodes left by interrupted dual
// writes, then consolidates facts older than RecoveryAge in every session.
// It is meant to run at process start.
func (c *Consolidation) RecoverySweep(ctx context.Context) (*SweepResult, error) {
	out := &SweepResult{}
	var errs []error

	rec, err := c.l3.Reconcile(ctx, "")
	out.Reconciled = rec
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile: %w", err))
	}

	sessions, err := c.l2.UnconsolidatedSessions(ctx)
	if err != nil {
		return out, errors.Join(append(errs, err)...)
	}
	until := time.Time{}
	if c.config.RecoveryAge > 0 {
		until = c.now().Add(-c.config.RecoveryAge)
	}
	for _, s := range sessions {
		res, err := c.process(ctx, s, until)
		if res.FactsConsidered > 0 {
			out.Sessions = append(out.Sessions, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	if rec.GraphOrphans+rec.VectorOrphans > 0 || len(out.Sessions) > 0 {
		c.logger.InfoContext(ctx, "recovery sweep complete",
			"graph_orphans", rec.GraphOrphans,
			"vector_orphans", rec.VectorOrphans,
			"sessions", len(out.Sessions),
		)
	}
	return out, errors.Join(errs...)
}

func (c *Consolidation) process(ctx context.Context, sessionID string, until time.Time) (res *ConsolidationResult, err error) {
	start := c.now()
	res = &ConsolidationResult{SessionID: sessionID}
	fallbacks := 0
	ctx, span := c.begin(ctx, sessionID)
	defer func() {
		res.Duration = time.Since(start)
		res.FallbackUsed = fallbacks > 0
		c.finish(span, start, res.FactsConsidered, res.EpisodesCreated, 0, fallbacks, err)
	}()

	if sessionID == "" {
		return res, &tier.ValidationError{Tier: tier.L2, Field: "session_id", Reason: "is required"}
	}
	facts, err := c.l2.Query(ctx, tier.FactQuery{
		SessionID:      sessionID,
		Unconsolidated: true,
		Until:          until,
		Limit:          c.config.BatchSize,
	})
	if err != nil {
		return res, fmt.Errorf("consolidation: read facts: %w", err)
	}
	res.FactsConsidered = len(facts)
	if len(facts) == 0 {
		return res, nil
	}

	clusters := clusterByWindow(facts, c.config.Window)
	res.Clusters = len(clusters)
	span.SetAttributes(attribute.Int("tiermem.clusters", len(clusters)))

	for _, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		fb, err := c.consolidate(ctx, sessionID, cluster, res)
		if fb {
			fallbacks++
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			var dw *tier.DualWriteError
			if errors.As(err, &dw) {
				res.DualWriteFailures++
			}
			res.Errors = append(res.Errors, err.Error())
			c.logger.WarnContext(ctx, "cluster not consolidated", "session_id", sessionID, "facts", len(cluster), "error", err)
		}
	}

	c.logger.InfoContext(ctx, "consolidation cycle complete",
		"session_id", sessionID,
		"facts", res.FactsConsidered,
		"episodes", res.EpisodesCreated,
		"dual_write_failures", res.DualWriteFailures,
	)
	return res, nil
}

// consolidate summarizes, embeds and stores one cluster, then marks its
// facts.
func (c *Consolidation) consolidate(ctx context.Context, sessionID string, cluster []tier.Fact, res *ConsolidationResult) (bool, error) {
	in := llm.SummarizeInput{Facts: make([]llm.FactDigest, len(cluster))}
	ids := make([]string, len(cluster))
	entityTypes := make(map[string]string)
	for i, f := range cluster {
		in.Facts[i] = llm.FactDigest{ID: f.FactID, Content: f.Content, FactType: f.FactType, Score: f.CIARScore}
		ids[i] = f.FactID
		for _, e := range f.Entities {
			entityTypes[e] = ""
		}
	}

	var summary llm.EpisodeSummary
	fb, err := c.generate(ctx, llm.SummarizeRequest(in), &summary)
	if err != nil {
		return fb, fmt.Errorf("summarize: %w", err)
	}
	if summary.Summary == "" {
		return fb, fmt.Errorf("summarize: empty summary for %d facts", len(cluster))
	}

	vecs, err := c.embedder.Embed(ctx, []string{summary.Summary})
	if err != nil {
		return fb, fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != 1 {
		return fb, fmt.Errorf("embed: got %d vectors", len(vecs))
	}

	for _, e := range summary.Entities {
		entityTypes[e.Name] = e.Type
	}
	entities := make([]tier.Entity, 0, len(entityTypes))
	for name, typ := range entityTypes {
		if name == "" {
			continue
		}
		entities = append(entities, tier.Entity{Name: name, Type: typ})
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })

	rels := make([]tier.Relationship, 0, len(summary.Relationships))
	for _, r := range summary.Relationships {
		if r.From == "" || r.To == "" {
			continue
		}
		rels = append(rels, tier.Relationship{From: r.From, Type: r.Type, To: r.To})
	}

	first, last := cluster[0].CreatedAt, cluster[len(cluster)-1].CreatedAt
	id, err := c.l3.Store(ctx, tier.EpisodeInput{
		Episode: tier.Episode{
			SessionID:       sessionID,
			Summary:         summary.Summary,
			SourceFactIDs:   ids,
			FactCount:       len(ids),
			TimeWindowStart: first,
			TimeWindowEnd:   last,
			FactValidFrom:   first,
			Topics:          summary.Topics,
			Importance:      unitOr(summary.Importance, 0.5),
			CreatedAt:       c.now(),
		},
		Embedding:     vecs[0],
		Entities:      entities,
		Relationships: rels,
	})
	if err != nil {
		return fb, err
	}

	marked, err := c.l2.MarkConsolidated(ctx, ids, id)
	res.FactsConsolidated += marked
	res.EpisodesCreated++
	res.EpisodeIDs = append(res.EpisodeIDs, id)
	if err != nil {
		// The episode is durable; the unmarked facts converge on the same
		// episode id when the next cycle retries them.
		return fb, fmt.Errorf("mark consolidated: %w", err)
	}
	return fb, nil
}

// clusterByWindow groups facts by creation time. A cluster opens at its
// oldest fact and spans window.
func clusterByWindow(facts []tier.Fact, window time.Duration) [][]tier.Fact {
	sorted := append([]tier.Fact(nil), facts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	var clusters [][]tier.Fact
	var cur []tier.Fact
	var opened time.Time
	for _, f := range sorted {
		if len(cur) > 0 && f.CreatedAt.Sub(opened) >= window {
			clusters = append(clusters, cur)
			cur = nil
		}
		if len(cur) == 0 {
			opened = f.CreatedAt
		}
		cur = append(cur, f)
	}
	if len(cur) > 0 {
		clusters = append(clusters, cur)
	}
	return clusters
}
