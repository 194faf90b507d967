package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/goclaw/tiermem/pkg/tier"
)

const defaultQueryLimit = 10

// queryTiers are the tiers a cross-tier query can reach. L1 is served by
// GetContext instead.
var queryTiers = []tier.ID{tier.L2, tier.L3, tier.L4}

// Query searches L2, L3 and L4 in parallel. Each tier's scores are
// normalized by that tier's best hit and multiplied by the tier weight. A
// tier that fails is logged and skipped; Query fails only when every tier
// failed. L4 knowledge is shared and is not filtered by session.
func (h *MemoryHub) Query(ctx context.Context, q Query) (results []Result, err error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrInvalidQuery
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	targets := queryTiers
	if len(q.Tiers) > 0 {
		targets = q.Tiers
	}

	ctx, span := h.tracer.Start(ctx, "memory.query")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", q.SessionID), attribute.Int("limit", limit))

	var (
		mu    sync.Mutex
		hits  = make(map[tier.ID][]Result, len(targets))
		errs  []error
		tried int
	)

	searches := make(map[tier.ID]tierSearch, len(targets))
	for _, id := range targets {
		search := h.searcher(id)
		if search == nil {
			return nil, fmt.Errorf("%w: tier %s is not searchable", ErrInvalidQuery, id)
		}
		if h.cfg.Weights.Of(id) > 0 {
			searches[id] = search
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for id, search := range searches {
		tried++
		g.Go(func() error {
			res, err := search(gctx, q.SessionID, text, limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				h.logger.WarnContext(gctx, "tier query failed", "tier", id, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				return nil
			}
			hits[id] = res
			return nil
		})
	}
	_ = g.Wait()

	if tried > 0 && len(errs) == tried {
		err = errors.Join(errs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for id, res := range hits {
		results = append(results, weigh(res, h.cfg.Weights.Of(id))...)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	span.SetAttributes(attribute.Int("results", len(results)), attribute.Int("failed_tiers", len(errs)))
	return results, nil
}

type tierSearch func(ctx context.Context, sessionID, text string, limit int) ([]Result, error)

func (h *MemoryHub) searcher(id tier.ID) tierSearch {
	switch id {
	case tier.L2:
		return h.searchFacts
	case tier.L3:
		return h.searchEpisodes
	case tier.L4:
		return h.searchKnowledge
	}
	return nil
}

// searchFacts scores facts by text rank damped by significance, so a
// strong match on a marginal fact does not outrank a good match on a
// significant one.
func (h *MemoryHub) searchFacts(ctx context.Context, sessionID, text string, limit int) ([]Result, error) {
	facts, err := h.tiers.L2.Query(ctx, tier.FactQuery{SessionID: sessionID, Text: text, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(facts))
	for i, f := range facts {
		out = append(out, Result{
			ID:      f.FactID,
			Content: f.Content,
			Tier:    tier.L2,
			Score:   f.CIARScore / float64(i+1),
			Metadata: map[string]any{
				"session_id": f.SessionID,
				"fact_type":  f.FactType,
				"ciar_score": f.CIARScore,
				"source_uri": f.SourceURI,
			},
		})
	}
	return out, nil
}

func (h *MemoryHub) searchEpisodes(ctx context.Context, sessionID, text string, limit int) ([]Result, error) {
	vecs, err := h.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New("embedder returned no vector")
	}
	eps, err := h.tiers.L3.SearchSimilar(ctx, vecs[0], tier.EpisodeQuery{SessionID: sessionID, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(eps))
	for _, e := range eps {
		out = append(out, Result{
			ID:      e.EpisodeID,
			Content: e.Summary,
			Tier:    tier.L3,
			Score:   e.Score,
			Metadata: map[string]any{
				"session_id":        e.SessionID,
				"fact_count":        e.FactCount,
				"time_window_start": e.TimeWindowStart,
				"time_window_end":   e.TimeWindowEnd,
				"importance":        e.Importance,
			},
		})
	}
	return out, nil
}

func (h *MemoryHub) searchKnowledge(ctx context.Context, _ string, text string, limit int) ([]Result, error) {
	docs, err := h.tiers.L4.Search(ctx, tier.KnowledgeQuery{Text: text, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(docs))
	for _, d := range docs {
		out = append(out, Result{
			ID:      d.KnowledgeID,
			Content: d.Content,
			Tier:    tier.L4,
			Score:   d.Score,
			Metadata: map[string]any{
				"title":            d.Title,
				"knowledge_type":   d.KnowledgeType,
				"confidence_score": d.ConfidenceScore,
				"domain":           d.Domain,
			},
		})
	}
	return out, nil
}

// weigh rescales a tier's scores into [0, weight]. Negative similarities
// count as zero.
func weigh(res []Result, weight float64) []Result {
	var best float64
	for _, r := range res {
		if r.Score > best {
			best = r.Score
		}
	}
	out := make([]Result, 0, len(res))
	for _, r := range res {
		s := 0.0
		if best > 0 && r.Score > 0 {
			s = r.Score / best
		}
		r.Score = s * weight
		out = append(out, r)
	}
	return out
}
