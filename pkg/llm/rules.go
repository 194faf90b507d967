package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/goclaw/tiermem/pkg/index"
)

// Rules is a deterministic, model-free Generator. It answers every
// structured task from Request.Input using keyword heuristics and is the
// last link of every chain.
type Rules struct{}

// NewRules returns the rule-based generator.
func NewRules() *Rules { return &Rules{} }

func (r *Rules) Name() string { return RuleProvider }

// Generate implements Generator.
func (r *Rules) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out any
	switch req.Task {
	case TaskSegment:
		turns, ok := req.Input.([]TurnText)
		if !ok {
			return nil, inputError(req)
		}
		out = segmentTurns(turns)
	case TaskExtract:
		in, ok := req.Input.(ExtractInput)
		if !ok {
			return nil, inputError(req)
		}
		out = extractFacts(in)
	case TaskSummarize:
		in, ok := req.Input.(SummarizeInput)
		if !ok {
			return nil, inputError(req)
		}
		out = summarizeFacts(in)
	case TaskSynthesize:
		in, ok := req.Input.(SynthesizeInput)
		if !ok {
			return nil, inputError(req)
		}
		out = synthesize(in)
	default:
		return &Response{Text: truncate(req.User, 200), Provider: RuleProvider}, nil
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &Response{Text: string(data), Provider: RuleProvider}, nil
}

func inputError(req Request) error {
	return fmt.Errorf("rules: task %s cannot use input %T", req.Task, req.Input)
}

// Fact types.
const (
	FactPreference   = "preference"
	FactConstraint   = "constraint"
	FactEntity       = "entity"
	FactMention      = "mention"
	FactRelationship = "relationship"
	FactEvent        = "event"
)

var factMarkers = []struct {
	factType string
	impact   float64
	markers  []string
}{
	{FactConstraint, 0.9, []string{"must", "never", "always", "cannot", "can't", "don't", "do not", "required", "requires", "deadline", "budget", "allergic", "not allowed"}},
	{FactPreference, 0.9, []string{"prefer", "prefers", "like", "likes", "love", "loves", "favorite", "favourite", "enjoy", "hate", "dislike", "want", "wants"}},
	{FactRelationship, 0.75, []string{"works with", "reports to", "manager", "married", "friend", "colleague", "belongs to", "part of", "team"}},
	{FactEvent, 0.6, []string{"yesterday", "tomorrow", "today", "meeting", "scheduled", "happened", "launched", "released", "deployed", "next week", "last week"}},
	{FactEntity, 0.7, []string{"my name is", "i am a", "i'm a", "is a", "is an", "called", "named", "lives in", "live in"}},
}

var (
	firstPerson = []string{"i", "i'm", "my", "we", "our", "we're", "me"}
	hedges      = []string{"maybe", "might", "perhaps", "not sure", "probably", "i think", "i guess"}
)

var categories = map[string]string{
	FactPreference:   "user_preference",
	FactConstraint:   "requirement",
	FactEntity:       "profile",
	FactRelationship: "social",
	FactEvent:        "timeline",
	FactMention:      "general",
}

// padded lowercases s, maps punctuation to spaces and pads it so that
// markers can be matched on word boundaries.
func padded(s string) string {
	var sb strings.Builder
	sb.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			sb.WriteRune(r)
			space = false
		} else if !space {
			sb.WriteByte(' ')
			space = true
		}
	}
	if !space {
		sb.WriteByte(' ')
	}
	return sb.String()
}

func hasAny(p string, words []string) bool {
	for _, w := range words {
		if strings.Contains(p, " "+w+" ") {
			return true
		}
	}
	return false
}

// classify returns the fact type, certainty and impact of a sentence.
func classify(sentence string) (factType string, certainty, impact float64) {
	p := padded(sentence)

	factType, impact = FactMention, 0.3
	for _, m := range factMarkers {
		if hasAny(p, m.markers) {
			factType, impact = m.factType, m.impact
			break
		}
	}

	certainty = 0.6
	if hasAny(p, firstPerson) {
		certainty += 0.3
	}
	if hasAny(p, hedges) || strings.HasSuffix(strings.TrimSpace(sentence), "?") {
		certainty -= 0.3
	}
	return factType, round2(math.Max(0.1, math.Min(1, certainty))), impact
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func sentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '\n' || r == ';'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		// keep question marks so classify can see them
		for _, q := range strings.SplitAfter(p, "?") {
			if q = strings.TrimSpace(q); q != "" {
				out = append(out, q)
			}
		}
	}
	return out
}

// capitalized returns capitalized words that do not start a sentence.
func capitalized(sentence string) []string {
	words := strings.Fields(sentence)
	var out []string
	for i, w := range words {
		w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if i == 0 || w == "" || w == "I" {
			continue
		}
		if r := []rune(w)[0]; unicode.IsUpper(r) {
			out = append(out, w)
		}
	}
	return out
}

// topTerms returns the n most frequent tokens, ties broken alphabetically.
func topTerms(texts []string, n int) []string {
	counts := make(map[string]int)
	for _, t := range texts {
		for _, tok := range index.Tokenize(t) {
			if len([]rune(tok)) > 2 {
				counts[tok]++
			}
		}
	}
	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}

const maxSegmentTurns = 6

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range index.Tokenize(text) {
		set[t] = struct{}{}
	}
	return set
}

func overlaps(a, b map[string]struct{}) bool {
	for t := range a {
		if _, ok := b[t]; ok {
			return true
		}
	}
	return false
}

// segmentTurns starts a new segment at a user turn that shares no terms with
// the current segment, or when a segment reaches maxSegmentTurns.
func segmentTurns(turns []TurnText) SegmentResult {
	var groups [][]TurnText
	var cur []TurnText
	curTokens := make(map[string]struct{})
	hasUser := false

	for _, t := range turns {
		toks := tokenSet(t.Content)
		split := len(cur) >= maxSegmentTurns ||
			(t.Role == "user" && hasUser && !overlaps(toks, curTokens))
		if split && len(cur) > 0 {
			groups = append(groups, cur)
			cur, curTokens, hasUser = nil, make(map[string]struct{}), false
		}
		cur = append(cur, t)
		for tok := range toks {
			curTokens[tok] = struct{}{}
		}
		if t.Role == "user" {
			hasUser = true
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}

	res := SegmentResult{Segments: make([]Segment, 0, len(groups))}
	for _, g := range groups {
		seg := Segment{TurnIDs: make([]string, 0, len(g))}
		var texts []string
		for _, t := range factSource(g) {
			texts = append(texts, t.Content)
			for _, s := range sentences(t.Content) {
				_, c, i := classify(s)
				if c*i > seg.Certainty*seg.Impact {
					seg.Certainty, seg.Impact = c, i
				}
			}
			if seg.Summary == "" {
				seg.Summary = truncate(t.Content, 160)
			}
		}
		for _, t := range g {
			seg.TurnIDs = append(seg.TurnIDs, t.ID)
		}
		seg.Topic = strings.Join(topTerms(texts, 3), " ")
		res.Segments = append(res.Segments, seg)
	}
	return res
}

// factSource returns the user turns of g, or all of g when it has none.
func factSource(g []TurnText) []TurnText {
	var user []TurnText
	for _, t := range g {
		if t.Role == "user" {
			user = append(user, t)
		}
	}
	if len(user) == 0 {
		return g
	}
	return user
}

func extractFacts(in ExtractInput) ExtractResult {
	res := ExtractResult{Facts: []ExtractedFact{}}
	seen := make(map[string]struct{})
	for _, t := range factSource(in.Turns) {
		for _, s := range sentences(t.Content) {
			if len(index.Tokenize(s)) < 2 {
				continue
			}
			key := strings.ToLower(s)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			factType, c, i := classify(s)
			res.Facts = append(res.Facts, ExtractedFact{
				Content:   s,
				FactType:  factType,
				Category:  categories[factType],
				Certainty: c,
				Impact:    i,
				Entities:  capitalized(s),
			})
		}
	}
	return res
}

func summarizeFacts(in SummarizeInput) EpisodeSummary {
	out := EpisodeSummary{Entities: []EntityRef{}, Relationships: []Relationship{}}
	texts := make([]string, 0, len(in.Facts))
	seen := make(map[string]struct{})
	var total float64

	for _, f := range in.Facts {
		texts = append(texts, f.Content)
		total += f.Score
		names := capitalized(f.Content)
		for _, name := range names {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out.Entities = append(out.Entities, EntityRef{Name: name, Type: "concept"})
		}
		if f.FactType == FactRelationship && len(names) >= 2 {
			out.Relationships = append(out.Relationships, Relationship{From: names[0], Type: "related_to", To: names[1]})
		}
	}

	shown := texts
	if len(shown) > 5 {
		shown = shown[:5]
	}
	out.Summary = truncate(strings.Join(shown, "; "), 500)
	out.Topics = topTerms(texts, 5)
	out.Importance = 0.5
	if len(in.Facts) > 0 && total > 0 {
		out.Importance = round2(total / float64(len(in.Facts)))
	}
	return out
}

func synthesize(in SynthesizeInput) SynthesisResult {
	kind := in.KnowledgeType
	if kind == "" {
		kind = "summary"
	}
	texts := make([]string, 0, len(in.Episodes))
	var sb strings.Builder
	fmt.Fprintf(&sb, "Distilled from %d episodes:\n", len(in.Episodes))
	for _, e := range in.Episodes {
		texts = append(texts, e.Summary+" "+strings.Join(e.Topics, " "))
		fmt.Fprintf(&sb, "- %s\n", e.Summary)
	}

	tags := topTerms(texts, 5)
	domain := in.Domain
	if domain == "" && len(tags) > 0 {
		domain = tags[0]
	}
	title := strings.ToUpper(kind[:1]) + kind[1:]
	if len(tags) > 0 {
		title += ": " + strings.Join(tags[:min(3, len(tags))], ", ")
	}

	return SynthesisResult{Documents: []KnowledgeDraft{{
		Title:         title,
		Content:       strings.TrimSpace(sb.String()),
		KnowledgeType: kind,
		Confidence:    round2(math.Min(0.8, 0.5+0.05*float64(len(in.Episodes)))),
		Tags:          tags,
		Domain:        domain,
	}}}
}
