package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goclaw/tiermem/pkg/llm"
	"github.com/goclaw/tiermem/pkg/storage"
	"github.com/goclaw/tiermem/pkg/tier"
)

// DistillationConfig configures L3 to L4 distillation.
type DistillationConfig struct {
	// Threshold is the undistilled episode count that triggers a cycle.
	Threshold int `mapstructure:"threshold" validate:"min=1"`

	// KnowledgeType is the document type requested when none is given.
	KnowledgeType string `mapstructure:"knowledge_type" validate:"omitempty,oneof=summary insight pattern recommendation rule"`

	// MaxEpisodes bounds the episodes synthesized in one cycle.
	MaxEpisodes int `mapstructure:"max_episodes" validate:"min=0"`
}

// DefaultDistillationConfig returns a threshold of five episodes.
func DefaultDistillationConfig() DistillationConfig {
	return DistillationConfig{Threshold: 5, KnowledgeType: tier.KnowledgeSummary, MaxEpisodes: 50}
}

// DistillationRequest scopes one distillation cycle. An empty SessionID
// distills across every session.
type DistillationRequest struct {
	SessionID     string
	Force         bool
	KnowledgeType string
	Domain        string
}

// DistillationResult summarizes one distillation cycle.
type DistillationResult struct {
	SessionID        string        `json:"session_id"`
	EpisodesPending  int           `json:"episodes_pending"`
	EpisodesUsed     int           `json:"episodes_used"`
	DocumentsCreated int           `json:"documents_created"`
	DocumentIDs      []string      `json:"document_ids,omitempty"`
	Skipped          bool          `json:"skipped"`
	FallbackUsed     bool          `json:"fallback_used"`
	Errors           []string      `json:"errors,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Distillation synthesizes L4 knowledge documents from L3 episodes that no
// document references yet. Every document carries the ids of the episodes
// it was built from, each verified to exist in L3 just before the write.
type Distillation struct {
	engine
	config DistillationConfig
	l3     *tier.EpisodicMemory
	l4     *tier.SemanticMemory
}

// NewDistillation creates the distillation engine.
func NewDistillation(l3 *tier.EpisodicMemory, l4 *tier.SemanticMemory, gen llm.Generator, cfg DistillationConfig, opts ...Option) *Distillation {
	def := DefaultDistillationConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.KnowledgeType == "" {
		cfg.KnowledgeType = def.KnowledgeType
	}
	if cfg.MaxEpisodes <= 0 {
		cfg.MaxEpisodes = def.MaxEpisodes
	}
	return &Distillation{
		engine: newEngine(EngineDistillation, gen, []tier.Tier{l3, l4}, opts),
		config: cfg,
		l3:     l3,
		l4:     l4,
	}
}

// Pending returns the session's episodes not yet referenced by any
// document, oldest first. Provenance is checked across every document, since
// a global run writes documents with no session.
func (d *Distillation) Pending(ctx context.Context, sessionID string) ([]tier.Episode, error) {
	eps, err := d.l3.Query(ctx, tier.EpisodeQuery{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, nil
	}
	done, err := d.l4.DistilledEpisodes(ctx, "")
	if err != nil {
		return nil, err
	}
	distilled := make(map[string]struct{}, len(done))
	for _, id := range done {
		distilled[id] = struct{}{}
	}
	pending := eps[:0]
	for _, e := range eps {
		if _, ok := distilled[e.EpisodeID]; !ok {
			pending = append(pending, e)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].TimeWindowStart.Before(pending[j].TimeWindowStart) })
	return pending, nil
}

// ShouldRun reports whether a session has reached the episode threshold.
func (d *Distillation) ShouldRun(ctx context.Context, sessionID string) (bool, error) {
	pending, err := d.Pending(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return len(pending) >= d.config.Threshold, nil
}

// Process runs one distillation cycle. Below the threshold it does nothing
// unless req.Force is set.
func (d *Distillation) Process(ctx context.Context, req DistillationRequest) (res *DistillationResult, err error) {
	start := d.now()
	res = &DistillationResult{SessionID: req.SessionID}
	fallbacks := 0
	ctx, span := d.begin(ctx, req.SessionID)
	defer func() {
		res.Duration = time.Since(start)
		res.FallbackUsed = fallbacks > 0
		d.finish(span, start, res.EpisodesUsed, res.DocumentsCreated, 0, fallbacks, err)
	}()

	kind := req.KnowledgeType
	if kind == "" {
		kind = d.config.KnowledgeType
	}
	if !tier.ValidKnowledgeType(kind) {
		return res, &tier.ValidationError{Tier: tier.L4, Field: "knowledge_type", Reason: fmt.Sprintf("unknown type %q", kind)}
	}

	pending, err := d.Pending(ctx, req.SessionID)
	if err != nil {
		return res, fmt.Errorf("distillation: read episodes: %w", err)
	}
	res.EpisodesPending = len(pending)
	if len(pending) == 0 || (len(pending) < d.config.Threshold && !req.Force) {
		res.Skipped = true
		return res, nil
	}
	if len(pending) > d.config.MaxEpisodes {
		pending = pending[:d.config.MaxEpisodes]
	}

	in := llm.SynthesizeInput{
		Episodes:      make([]llm.EpisodeDigest, len(pending)),
		KnowledgeType: kind,
		Domain:        req.Domain,
	}
	for i, e := range pending {
		in.Episodes[i] = llm.EpisodeDigest{ID: e.EpisodeID, Summary: e.Summary, Topics: e.Topics, Importance: e.Importance}
	}

	var out llm.SynthesisResult
	fb, err := d.generate(ctx, llm.SynthesizeRequest(in), &out)
	if err != nil {
		return res, fmt.Errorf("distillation: synthesize: %w", err)
	}
	if fb {
		fallbacks++
	}
	if len(out.Documents) == 0 {
		// A well-formed but empty answer still must not drop the cycle.
		if _, err := llm.GenerateJSON(ctx, llm.NewRules(), llm.SynthesizeRequest(in), &out); err != nil {
			return res, fmt.Errorf("distillation: rule synthesis: %w", err)
		}
		fallbacks++
		d.observer.ObserveFallback(d.name, llm.TaskSynthesize)
	}

	provenance, err := d.verify(ctx, pending)
	if err != nil {
		return res, fmt.Errorf("distillation: verify provenance: %w", err)
	}
	if len(provenance) == 0 {
		res.Errors = append(res.Errors, "every source episode vanished before the write")
		return res, nil
	}
	res.EpisodesUsed = len(provenance)

	for _, draft := range out.Documents {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		doc := d.document(req, kind, draft, provenance)
		id, err := d.l4.Store(ctx, doc)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("store %q: %v", doc.Title, err))
			continue
		}
		res.DocumentsCreated++
		res.DocumentIDs = append(res.DocumentIDs, id)
	}

	d.logger.InfoContext(ctx, "distillation cycle complete",
		"session_id", req.SessionID,
		"episodes", res.EpisodesUsed,
		"documents", res.DocumentsCreated,
		"fallback", res.FallbackUsed,
	)
	return res, nil
}

// verify returns the ids of the pending episodes still present in L3.
func (d *Distillation) verify(ctx context.Context, pending []tier.Episode) ([]string, error) {
	ids := make([]string, 0, len(pending))
	for _, e := range pending {
		_, err := d.l3.Retrieve(ctx, e.EpisodeID)
		if storage.IsNotFound(err) {
			d.logger.WarnContext(ctx, "episode vanished before distillation", "episode_id", e.EpisodeID)
			continue
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, e.EpisodeID)
	}
	return ids, nil
}

func (d *Distillation) document(req DistillationRequest, kind string, draft llm.KnowledgeDraft, provenance []string) tier.KnowledgeDocument {
	docKind := draft.KnowledgeType
	if !tier.ValidKnowledgeType(docKind) {
		docKind = kind
	}
	domain := draft.Domain
	if req.Domain != "" {
		domain = req.Domain
	}
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		title = strings.ToUpper(docKind[:1]) + docKind[1:]
	}
	return tier.KnowledgeDocument{
		SessionID:        req.SessionID,
		Title:            title,
		Content:          draft.Content,
		KnowledgeType:    docKind,
		ConfidenceScore:  unitOr(draft.Confidence, 0.5),
		SourceEpisodeIDs: append([]string(nil), provenance...),
		Tags:             draft.Tags,
		Domain:           domain,
	}
}
