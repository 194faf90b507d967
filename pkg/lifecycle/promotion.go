package lifecycle

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goclaw/tiermem/pkg/ciar"
	"github.com/goclaw/tiermem/pkg/llm"
	"github.com/goclaw/tiermem/pkg/storage"
	"github.com/goclaw/tiermem/pkg/tier"
)

// PromotionConfig configures L1 to L2 promotion.
type PromotionConfig struct {
	// BatchSize is the number of most recent turns segmented per cycle.
	BatchSize int `mapstructure:"batch_size" validate:"min=0"`
}

// DefaultPromotionConfig matches the default L1 window.
func DefaultPromotionConfig() PromotionConfig {
	return PromotionConfig{BatchSize: 20}
}

// PromotionResult summarizes one promotion cycle.
type PromotionResult struct {
	SessionID        string        `json:"session_id"`
	TurnsProcessed   int           `json:"turns_processed"`
	Segments         int           `json:"segments"`
	SegmentsFiltered int           `json:"segments_filtered"`
	FactsExtracted   int           `json:"facts_extracted"`
	Promoted         int           `json:"promoted"`
	Rejected         int           `json:"rejected"`
	Duplicates       int           `json:"duplicates"`
	FactIDs          []string      `json:"fact_ids,omitempty"`
	FallbackUsed     bool          `json:"fallback_used"`
	Errors           []string      `json:"errors,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Promotion extracts durable facts from recent L1 turns into L2. The whole
// turn window is segmented by topic in one generation call, segments are
// pre-filtered by CIAR on their own certainty and impact, and only the
// survivors pay for per-segment fact extraction.
type Promotion struct {
	engine
	config PromotionConfig
	l1     *tier.ActiveContext
	l2     *tier.WorkingMemory
}

// NewPromotion creates the promotion engine. A nil generator answers with
// rules only.
func NewPromotion(l1 *tier.ActiveContext, l2 *tier.WorkingMemory, gen llm.Generator, cfg PromotionConfig, opts ...Option) *Promotion {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPromotionConfig().BatchSize
	}
	return &Promotion{
		engine: newEngine(EnginePromotion, gen, []tier.Tier{l1, l2}, opts),
		config: cfg,
		l1:     l1,
		l2:     l2,
	}
}

// Process runs one promotion cycle over a session's recent turns. Generation
// failures fall back to rules; per-fact failures are collected in the
// result. The returned error is set only when the turns cannot be read or
// ctx is done.
func (p *Promotion) Process(ctx context.Context, sessionID string) (res *PromotionResult, err error) {
	start := p.now()
	res = &PromotionResult{SessionID: sessionID}
	fallbacks := 0
	ctx, span := p.begin(ctx, sessionID)
	defer func() {
		res.Duration = time.Since(start)
		p.finish(span, start, res.TurnsProcessed, res.Promoted, res.Rejected, fallbacks, err)
	}()

	if sessionID == "" {
		return res, &tier.ValidationError{Tier: tier.L1, Field: "session_id", Reason: "is required"}
	}
	turns, err := p.l1.Retrieve(ctx, sessionID)
	if err != nil {
		return res, fmt.Errorf("promotion: read turns: %w", err)
	}
	if len(turns) > p.config.BatchSize {
		turns = turns[len(turns)-p.config.BatchSize:]
	}
	res.TurnsProcessed = len(turns)
	if len(turns) == 0 {
		return res, nil
	}

	texts := make([]llm.TurnText, len(turns))
	byID := make(map[string]llm.TurnText, len(turns))
	for i, t := range turns {
		texts[i] = llm.TurnText{ID: t.TurnID, Role: t.Role, Content: t.Content}
		byID[t.TurnID] = texts[i]
	}

	var segmented llm.SegmentResult
	fb, err := p.generate(ctx, llm.SegmentRequest(texts), &segmented)
	if err != nil {
		return res, fmt.Errorf("promotion: segment: %w", err)
	}
	if fb {
		fallbacks++
	}
	res.Segments = len(segmented.Segments)

	scorer := p.l2.Scorer()
	for _, seg := range segmented.Segments {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		score := scorer.Score(ciar.Input{Certainty: unitOr(seg.Certainty, 0), Impact: unitOr(seg.Impact, 0)})
		if !scorer.Passes(score) {
			res.SegmentsFiltered++
			p.logger.DebugContext(ctx, "segment below threshold", "topic", seg.Topic, "score", score)
			continue
		}

		in := llm.ExtractInput{Segment: seg}
		for _, id := range seg.TurnIDs {
			if t, ok := byID[id]; ok {
				in.Turns = append(in.Turns, t)
			}
		}
		if len(in.Turns) == 0 {
			// The model returned ids it was not given; fall back to the window.
			in.Turns = texts
		}

		var extracted llm.ExtractResult
		fb, err := p.generate(ctx, llm.ExtractRequest(in), &extracted)
		if err != nil {
			return res, fmt.Errorf("promotion: extract: %w", err)
		}
		if fb {
			fallbacks++
		}
		res.FactsExtracted += len(extracted.Facts)

		for _, ef := range extracted.Facts {
			p.promote(ctx, sessionID, ef, in.Turns, res)
		}
	}
	res.FallbackUsed = fallbacks > 0
	span.SetAttributes(attribute.Int("tiermem.segments", res.Segments), attribute.Int("tiermem.duplicates", res.Duplicates))

	p.logger.InfoContext(ctx, "promotion cycle complete",
		"session_id", sessionID,
		"turns", res.TurnsProcessed,
		"segments", res.Segments,
		"promoted", res.Promoted,
		"rejected", res.Rejected,
		"fallback", res.FallbackUsed,
	)
	return res, nil
}

// promote stores one extracted fact unless it duplicates an existing one.
func (p *Promotion) promote(ctx context.Context, sessionID string, ef llm.ExtractedFact, turns []llm.TurnText, res *PromotionResult) {
	content := strings.TrimSpace(ef.Content)
	if content == "" {
		return
	}

	existing, err := p.l2.FindByContent(ctx, sessionID, content)
	switch {
	case err == nil:
		res.Duplicates++
		p.logger.DebugContext(ctx, "fact already promoted", "fact_id", existing.FactID)
		return
	case !storage.IsNotFound(err):
		res.Errors = append(res.Errors, fmt.Sprintf("dedup %q: %v", content, err))
		return
	}

	factType := ef.FactType
	if !tier.ValidFactType(factType) {
		factType = tier.FactMention
	}
	id, err := p.l2.Store(ctx, tier.Fact{
		SessionID: sessionID,
		Content:   content,
		FactType:  factType,
		Category:  ef.Category,
		Certainty: unitOr(ef.Certainty, 0),
		Impact:    unitOr(ef.Impact, 0),
		SourceURI: tier.TurnURI(sessionID, sourceTurn(content, turns)),
		Entities:  ef.Entities,
	})
	switch {
	case tier.IsBelowThreshold(err):
		res.Rejected++
	case err != nil:
		res.Errors = append(res.Errors, fmt.Sprintf("store %q: %v", content, err))
	default:
		res.Promoted++
		res.FactIDs = append(res.FactIDs, id)
	}
}

// sourceTurn picks the turn a fact was extracted from: the first whose text
// contains it, otherwise the first user turn.
func sourceTurn(content string, turns []llm.TurnText) string {
	needle := strings.ToLower(content)
	for _, t := range turns {
		if strings.Contains(strings.ToLower(t.Content), needle) {
			return t.ID
		}
	}
	for _, t := range turns {
		if t.Role == tier.RoleUser {
			return t.ID
		}
	}
	return turns[0].ID
}

// unitOr clamps model-reported scores into [0,1].
func unitOr(v, def float64) float64 {
	switch {
	case math.IsNaN(v):
		return def
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
