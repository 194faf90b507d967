package tier

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/goclaw/tiermem/pkg/storage"
)

// KnowledgeQuery combines free text with facet filters. A query without
// Text is a pure facet browse ordered by confidence.
type KnowledgeQuery struct {
	Text           string
	KnowledgeTypes []string

	// Category matches the document domain.
	Category      string
	Tags          []string
	MinConfidence float64
	SessionID     string
	Limit         int
}

// ScoredDocument is a search hit.
type ScoredDocument struct {
	KnowledgeDocument
	Score float64 `json:"score"`
}

// Usefulness is feedback on a document: either an absolute Value or a
// Delta added to the current score.
type Usefulness struct {
	Value *float64
	Delta float64
}

// SemanticMemory is the L4 tier: distilled knowledge with full-text and
// faceted search.
type SemanticMemory struct {
	base
	store   storage.Adapter
	swapper storage.Versioned
}

// NewSemanticMemory creates L4 over a text-searchable store.
func NewSemanticMemory(store storage.Adapter, opts ...Option) *SemanticMemory {
	s := &SemanticMemory{
		base:  newBase(L4, []backend{{name: "knowledge", adapter: store}}, opts),
		store: store,
	}
	if v, ok := store.(storage.Versioned); ok {
		s.swapper = v
	}
	return s
}

func unit(v float64) bool { return v >= 0 && v <= 1 && !math.IsNaN(v) }

// Store validates and indexes a document.
func (s *SemanticMemory) Store(ctx context.Context, d KnowledgeDocument) (id string, err error) {
	defer func(start time.Time) { s.observe("store", start, err) }(time.Now())

	switch {
	case d.Title == "":
		return "", invalid(L4, "title", "required")
	case d.Content == "":
		return "", invalid(L4, "content", "required")
	case !ValidKnowledgeType(d.KnowledgeType):
		return "", invalid(L4, "knowledge_type", "unknown type %q", d.KnowledgeType)
	case !unit(d.ConfidenceScore):
		return "", invalid(L4, "confidence_score", "%v outside [0, 1]", d.ConfidenceScore)
	case !unit(d.UsefulnessScore):
		return "", invalid(L4, "usefulness_score", "%v outside [0, 1]", d.UsefulnessScore)
	case len(d.SourceEpisodeIDs) == 0:
		return "", invalid(L4, "source_episode_ids", "required")
	}

	now := s.now()
	if d.KnowledgeID == "" {
		d.KnowledgeID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	rec, err := knowledgeRecord(&d)
	if err != nil {
		return "", err
	}
	return s.store.Store(ctx, rec)
}

// Peek returns a document without counting the access.
func (s *SemanticMemory) Peek(ctx context.Context, id string) (*KnowledgeDocument, error) {
	d, _, err := s.peek(ctx, id)
	return d, err
}

func (s *SemanticMemory) peek(ctx context.Context, id string) (*KnowledgeDocument, *storage.Record, error) {
	rec, err := s.store.Retrieve(ctx, CollectionKnowledge, id)
	if err != nil {
		return nil, nil, err
	}
	d, err := knowledgeFromRecord(rec)
	if err != nil {
		return nil, nil, err
	}
	return d, rec, nil
}

// Retrieve returns a document and increments its access count. A failed
// count update is logged and does not fail the read.
func (s *SemanticMemory) Retrieve(ctx context.Context, id string) (d *KnowledgeDocument, err error) {
	defer func(start time.Time) { s.observe("retrieve", start, err) }(time.Now())

	d, err = s.mutate(ctx, id, func(doc *KnowledgeDocument) { doc.AccessCount++ })
	if err != nil && !storage.IsNotFound(err) {
		var peekErr error
		if d, _, peekErr = s.peek(ctx, id); peekErr == nil {
			s.logger.WarnContext(ctx, "access count not persisted", "knowledge_id", id, "error", err)
			d.AccessCount++
			return d, nil
		}
	}
	return d, err
}

// UpdateUsefulness applies feedback, clamping the score to [0, 1], and
// increments validation_count.
func (s *SemanticMemory) UpdateUsefulness(ctx context.Context, id string, u Usefulness) (d *KnowledgeDocument, err error) {
	defer func(start time.Time) { s.observe("update_usefulness", start, err) }(time.Now())

	if (u.Value != nil && math.IsNaN(*u.Value)) || math.IsNaN(u.Delta) {
		return nil, invalid(L4, "usefulness", "NaN")
	}
	return s.mutate(ctx, id, func(doc *KnowledgeDocument) {
		score := doc.UsefulnessScore + u.Delta
		if u.Value != nil {
			score = *u.Value
		}
		doc.UsefulnessScore = math.Max(0, math.Min(1, score))
		doc.ValidationCount++
	})
}

// mutate reads, changes and writes a document, retrying on version
// conflicts when the store supports compare-and-swap.
func (s *SemanticMemory) mutate(ctx context.Context, id string, fn func(*KnowledgeDocument)) (*KnowledgeDocument, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		d, rec, err := s.peek(ctx, id)
		if err != nil {
			return nil, err
		}
		fn(d)
		d.UpdatedAt = s.now()
		out, err := knowledgeRecord(d)
		if err != nil {
			return nil, err
		}
		if s.swapper == nil {
			if _, err := s.store.Store(ctx, out); err != nil {
				return nil, err
			}
			return d, nil
		}
		_, err = s.swapper.CompareAndSwap(ctx, out, rec.Version)
		if err == nil {
			return d, nil
		}
		if !storage.IsConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Search ranks documents by text relevance within the facet filters.
func (s *SemanticMemory) Search(ctx context.Context, q KnowledgeQuery) (hits []ScoredDocument, err error) {
	defer func(start time.Time) { s.observe("search", start, err) }(time.Now())

	sq := storage.Query{
		Collection: CollectionKnowledge,
		Filters:    knowledgeFilters(q),
		Text:       q.Text,
		Limit:      q.Limit,
	}
	if q.Text == "" {
		sq.OrderBy, sq.Descending = "confidence_score", true
	}
	recs, err := s.store.Search(ctx, sq)
	if err != nil {
		return nil, err
	}
	hits = make([]ScoredDocument, 0, len(recs))
	for _, rec := range recs {
		d, err := knowledgeFromRecord(rec)
		if err != nil {
			return nil, err
		}
		score := rec.Score
		if q.Text == "" {
			score = d.ConfidenceScore
		}
		hits = append(hits, ScoredDocument{KnowledgeDocument: *d, Score: score})
	}
	return hits, nil
}

func knowledgeFilters(q KnowledgeQuery) []storage.Filter {
	var filters []storage.Filter
	switch len(q.KnowledgeTypes) {
	case 0:
	case 1:
		filters = append(filters, storage.Eq("knowledge_type", q.KnowledgeTypes[0]))
	default:
		filters = append(filters, storage.Filter{Field: "knowledge_type", Op: storage.OpIn, Value: append([]string(nil), q.KnowledgeTypes...)})
	}
	if q.Category != "" {
		filters = append(filters, storage.Eq("domain", q.Category))
	}
	for _, tag := range q.Tags {
		filters = append(filters, storage.Filter{Field: "tags", Op: storage.OpContains, Value: tag})
	}
	if q.MinConfidence > 0 {
		filters = append(filters, storage.Gte("confidence_score", q.MinConfidence))
	}
	if q.SessionID != "" {
		filters = append(filters, storage.Eq("session_id", q.SessionID))
	}
	return filters
}

// Delete removes a document.
func (s *SemanticMemory) Delete(ctx context.Context, id string) (found bool, err error) {
	defer func(start time.Time) { s.observe("delete", start, err) }(time.Now())
	return s.store.Delete(ctx, CollectionKnowledge, id)
}

// DistilledEpisodes returns the episode ids already referenced by a
// session's documents, sorted. An empty sessionID covers every document.
func (s *SemanticMemory) DistilledEpisodes(ctx context.Context, sessionID string) ([]string, error) {
	var filters []storage.Filter
	if sessionID != "" {
		filters = append(filters, storage.Eq("session_id", sessionID))
	}
	recs, err := s.store.Search(ctx, storage.Query{
		Collection: CollectionKnowledge,
		Filters:    filters,
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, rec := range recs {
		for _, id := range storage.Strings(rec.Fields["source_episode_ids"]) {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
