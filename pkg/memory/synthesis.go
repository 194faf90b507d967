package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goclaw/tiermem/pkg/index"
	"github.com/goclaw/tiermem/pkg/llm"
	"github.com/goclaw/tiermem/pkg/tier"
)

const (
	defaultSynthesisLimit = 5

	// conflictOverlap is the minimum Jaccard overlap of content terms for two
	// documents of opposite polarity to count as contradicting each other.
	conflictOverlap = 0.3
)

// SynthesisQuery asks a question of L4 knowledge. Facets narrow the
// candidate set before any text ranking.
type SynthesisQuery struct {
	Text           string
	KnowledgeTypes []string
	Category       string
	Tags           []string
	MinConfidence  float64
	SessionID      string
	Limit          int
}

// Conflict flags two documents that appear to contradict each other.
type Conflict struct {
	A       string  `json:"a"`
	B       string  `json:"b"`
	Overlap float64 `json:"overlap"`
}

// Synthesis is a synthesized answer and the knowledge behind it.
type Synthesis struct {
	Query        string                `json:"query"`
	Documents    []tier.ScoredDocument `json:"documents"`
	Conflicts    []Conflict            `json:"conflicts,omitempty"`
	Answer       string                `json:"answer"`
	FallbackUsed bool                  `json:"fallback_used"`
	Cached       bool                  `json:"cached"`
	GeneratedAt  time.Time             `json:"generated_at"`
}

// Synthesize answers q from L4. Results are cached per normalized query
// until SynthesisTTL elapses or a distillation cycle creates documents.
func (h *MemoryHub) Synthesize(ctx context.Context, q SynthesisQuery) (*Synthesis, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrInvalidQuery
	}
	if q.Limit <= 0 {
		q.Limit = defaultSynthesisLimit
	}

	ctx, span := h.tracer.Start(ctx, "memory.synthesize")
	defer span.End()

	key := synthesisKey(q)
	if cached, ok := h.cache.Get(key); ok {
		span.SetAttributes(attribute.Bool("cached", true))
		hit := *cached
		hit.Cached = true
		return &hit, nil
	}

	candidates, err := h.tiers.L4.Search(ctx, tier.KnowledgeQuery{
		KnowledgeTypes: q.KnowledgeTypes,
		Category:       q.Category,
		Tags:           q.Tags,
		MinConfidence:  q.MinConfidence,
		SessionID:      q.SessionID,
		Limit:          h.cfg.SynthesisCandidates,
	})
	if err != nil {
		return nil, err
	}

	docs := rankDocuments(candidates, q.Text, q.Limit)
	out := &Synthesis{
		Query:       q.Text,
		Documents:   docs,
		Conflicts:   detectConflicts(docs),
		GeneratedAt: h.now(),
	}
	if len(docs) > 0 {
		out.Answer, out.FallbackUsed = h.answer(ctx, q.Text, docs, out.Conflicts)
	}
	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("documents", len(docs)),
		attribute.Int("conflicts", len(out.Conflicts)),
		attribute.Bool("fallback", out.FallbackUsed),
	)

	h.cache.SetWithTTL(key, out, 1, h.cfg.SynthesisTTL)
	h.cache.Wait()
	return out, nil
}

func synthesisKey(q SynthesisQuery) string {
	types := append([]string(nil), q.KnowledgeTypes...)
	tags := append([]string(nil), q.Tags...)
	sort.Strings(types)
	sort.Strings(tags)
	return strings.Join([]string{
		strings.Join(index.Tokenize(q.Text), " "),
		strings.Join(types, ","),
		strings.ToLower(q.Category),
		strings.Join(tags, ","),
		fmt.Sprintf("%.3f", q.MinConfidence),
		q.SessionID,
		fmt.Sprint(q.Limit),
	}, "|")
}

// rankDocuments ranks the facet-filtered candidates by BM25 over title and
// content. Documents sharing no term with the query are dropped.
func rankDocuments(candidates []tier.ScoredDocument, text string, limit int) []tier.ScoredDocument {
	const scope = "synthesis"
	bm := index.NewBM25(1.5, 0.75)
	byID := make(map[string]tier.ScoredDocument, len(candidates))
	for _, d := range candidates {
		byID[d.KnowledgeID] = d
		bm.Index(scope, d.KnowledgeID, d.Title+" "+d.Content)
	}
	hits := bm.Search(scope, text, limit)
	out := make([]tier.ScoredDocument, 0, len(hits))
	for _, hit := range hits {
		d := byID[hit.ID]
		d.Score = hit.Score
		out = append(out, d)
	}
	return out
}

var negations = map[string]struct{}{
	"not": {}, "no": {}, "never": {}, "avoid": {}, "without": {},
	"don't": {}, "dont": {}, "doesn't": {}, "doesnt": {}, "isn't": {},
	"shouldn't": {}, "cannot": {}, "can't": {}, "won't": {},
}

func negated(tokens []string) bool {
	for _, t := range tokens {
		if _, ok := negations[t]; ok {
			return true
		}
	}
	return false
}

func contentTerms(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := negations[t]; ok {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var inter int
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// detectConflicts pairs documents that talk about the same thing with
// opposite polarity.
func detectConflicts(docs []tier.ScoredDocument) []Conflict {
	type profile struct {
		neg   bool
		terms map[string]struct{}
	}
	profiles := make([]profile, len(docs))
	for i, d := range docs {
		tokens := strings.Fields(strings.ToLower(d.Content))
		for j, t := range tokens {
			tokens[j] = strings.Trim(t, ".,;:!?\"()")
		}
		profiles[i] = profile{neg: negated(tokens), terms: contentTerms(index.Tokenize(d.Content))}
	}

	var out []Conflict
	for i := 0; i < len(docs); i++ {
		for j := i + 1; j < len(docs); j++ {
			if profiles[i].neg == profiles[j].neg {
				continue
			}
			if o := jaccard(profiles[i].terms, profiles[j].terms); o >= conflictOverlap {
				out = append(out, Conflict{A: docs[i].KnowledgeID, B: docs[j].KnowledgeID, Overlap: o})
			}
		}
	}
	return out
}

const synthesisSystem = `Answer the question using only the knowledge documents provided. ` +
	`Be concise. If documents conflict, say so and name both positions.`

// answer asks the generator for a free-text answer. Without a generator,
// or when it fails, the answer is extracted from the best documents.
func (h *MemoryHub) answer(ctx context.Context, question string, docs []tier.ScoredDocument, conflicts []Conflict) (string, bool) {
	if h.gen != nil {
		var b strings.Builder
		fmt.Fprintf(&b, "Question: %s\n\nDocuments:\n", question)
		for i, d := range docs {
			fmt.Fprintf(&b, "[%d] %s (%s, confidence %.2f)\n%s\n\n", i+1, d.Title, d.KnowledgeType, d.ConfidenceScore, d.Content)
		}
		if len(conflicts) > 0 {
			fmt.Fprintf(&b, "Note: %d pair(s) of documents appear to conflict.\n", len(conflicts))
		}
		resp, err := h.gen.Generate(ctx, llm.Request{
			Task:      llm.TaskFreeText,
			System:    synthesisSystem,
			User:      b.String(),
			MaxTokens: 512,
		})
		if err == nil && strings.TrimSpace(resp.Text) != "" {
			return strings.TrimSpace(resp.Text), resp.Provider == llm.RuleProvider
		}
		h.logger.WarnContext(ctx, "synthesis generation failed, answering extractively", "error", err)
	}
	return extractiveAnswer(docs, conflicts), true
}

func extractiveAnswer(docs []tier.ScoredDocument, conflicts []Conflict) string {
	n := min(len(docs), 3)
	parts := make([]string, 0, n+1)
	for _, d := range docs[:n] {
		parts = append(parts, strings.TrimSpace(d.Content))
	}
	if len(conflicts) > 0 {
		parts = append(parts, fmt.Sprintf("(%d conflicting document pair(s) found.)", len(conflicts)))
	}
	return strings.Join(parts, " ")
}
