package llm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/tiermem/pkg/index"
	"github.com/goclaw/tiermem/pkg/logger"
)

type stubGenerator struct {
	name  string
	text  string
	err   error
	calls atomic.Int32
}

func (s *stubGenerator) Name() string { return s.name }

func (s *stubGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Text: s.text}, nil
}

func TestBreaker_Transitions(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute, HalfOpenMaxRequests: 1})
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow("p"))
	b.RecordFailure(errors.New("x"))
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure(errors.New("y"))
	assert.Equal(t, StateOpen, b.State())

	var open *CircuitOpenError
	assert.ErrorAs(t, b.Allow("p"), &open)

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Allow("p"))
	assert.Error(t, b.Allow("p"), "only one half-open probe allowed")

	b.RecordFailure(errors.New("z"))
	assert.Equal(t, StateOpen, b.State())
	assert.EqualError(t, b.LastError(), "z")

	now = now.Add(time.Minute)
	require.NoError(t, b.Allow("p"))
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestChain_FallsThroughAndOpens(t *testing.T) {
	bad := &stubGenerator{name: "bad", err: errors.New("down")}
	good := &stubGenerator{name: "good", text: "ok"}
	c := NewChain(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour}, logger.Nop(), bad, good)

	for i := 0; i < 3; i++ {
		resp, err := c.Generate(context.Background(), Request{Task: TaskFreeText})
		require.NoError(t, err)
		assert.Equal(t, "good", resp.Provider)
	}
	assert.Equal(t, int32(1), bad.calls.Load(), "open circuit must skip the failing provider")
	assert.Equal(t, "open", c.States()["bad"])
	assert.Equal(t, "closed", c.States()["good"])
}

func TestChain_AllFail(t *testing.T) {
	c := NewChain(DefaultBreakerConfig(), logger.Nop(), &stubGenerator{name: "a", err: errors.New("down")})
	_, err := c.Generate(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLimited_RespectsContext(t *testing.T) {
	g := NewLimited(&stubGenerator{name: "s", text: "x"}, 0.001, 1)
	_, err := g.Generate(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Generate(ctx, Request{})
	assert.Error(t, err, "second call must wait beyond the deadline")
}

func TestFallback_UsesRulesOnParseFailure(t *testing.T) {
	garbage := &stubGenerator{name: "model", text: "not json"}
	turns := []TurnText{{ID: "t1", Role: "user", Content: "I prefer dark mode in every editor."}}

	var out SegmentResult
	fallback, err := Fallback(context.Background(), garbage, SegmentRequest(turns), &out)
	require.NoError(t, err)
	assert.True(t, fallback)
	require.Len(t, out.Segments, 1)

	fenced := &stubGenerator{name: "model", text: "```json\n{\"segments\":[]}\n```"}
	fallback, err = Fallback(context.Background(), fenced, SegmentRequest(turns), &out)
	require.NoError(t, err)
	assert.False(t, fallback)
	assert.Empty(t, out.Segments)
}

func TestFallback_DiscardsPartialDecode(t *testing.T) {
	partial := &stubGenerator{name: "model", text: `{"segments":[{"topic":"stale","summary":"half","turn_ids":["zz"],"impact":0.9},{"certainty":"high"}]}`}
	turns := []TurnText{{ID: "t1", Role: "user", Content: "I prefer dark mode in every editor."}}

	var want SegmentResult
	_, err := GenerateJSON(context.Background(), NewRules(), SegmentRequest(turns), &want)
	require.NoError(t, err)

	var out SegmentResult
	fallback, err := Fallback(context.Background(), partial, SegmentRequest(turns), &out)
	require.NoError(t, err)
	assert.True(t, fallback)
	assert.Equal(t, want, out, "nothing from the rejected answer leaks into the rule output")
}

func TestGenerateJSON_ReplacesTarget(t *testing.T) {
	out := SegmentResult{Segments: []Segment{{Topic: "old"}}}

	_, err := GenerateJSON(context.Background(), &stubGenerator{name: "m", text: `{"segments":[{"certainty":"x"}]}`}, Request{}, &out)
	require.ErrorIs(t, err, ErrParse)
	assert.Equal(t, "old", out.Segments[0].Topic, "failed decode leaves the target alone")

	_, err = GenerateJSON(context.Background(), &stubGenerator{name: "m", text: `{}`}, Request{}, &out)
	require.NoError(t, err)
	assert.Empty(t, out.Segments)

	_, err = GenerateJSON(context.Background(), &stubGenerator{name: "m", text: `{}`}, Request{}, out)
	assert.Error(t, err)
}

func TestRules_Classify(t *testing.T) {
	tests := []struct {
		sentence  string
		factType  string
		certainty float64
		impact    float64
	}{
		{"I prefer dark mode", FactPreference, 0.9, 0.9},
		{"We must ship before Friday", FactConstraint, 0.9, 0.9},
		{"Alice reports to Bob", FactRelationship, 0.6, 0.75},
		{"Maybe I like tea?", FactPreference, 0.6, 0.9},
		{"The weather is nice", FactMention, 0.6, 0.3},
	}
	for _, tt := range tests {
		ft, c, i := classify(tt.sentence)
		assert.Equal(t, tt.factType, ft, tt.sentence)
		assert.InDelta(t, tt.certainty, c, 1e-9, tt.sentence)
		assert.InDelta(t, tt.impact, i, 1e-9, tt.sentence)
	}
}

func TestRules_SegmentAndExtract(t *testing.T) {
	turns := []TurnText{
		{ID: "t1", Role: "user", Content: "I prefer dark mode in my editor."},
		{ID: "t2", Role: "assistant", Content: "Noted, dark mode editor."},
		{ID: "t3", Role: "user", Content: "Our deadline for the Postgres migration is Friday."},
	}

	var seg SegmentResult
	_, err := GenerateJSON(context.Background(), NewRules(), SegmentRequest(turns), &seg)
	require.NoError(t, err)
	require.Len(t, seg.Segments, 2)
	assert.Equal(t, []string{"t1", "t2"}, seg.Segments[0].TurnIDs)
	assert.Equal(t, 0.9, seg.Segments[0].Certainty)
	assert.Equal(t, 0.9, seg.Segments[0].Impact)

	var facts ExtractResult
	_, err = GenerateJSON(context.Background(), NewRules(),
		ExtractRequest(ExtractInput{Segment: seg.Segments[1], Turns: turns[2:]}), &facts)
	require.NoError(t, err)
	require.Len(t, facts.Facts, 1)
	assert.Equal(t, FactConstraint, facts.Facts[0].FactType)
	assert.Contains(t, facts.Facts[0].Entities, "Postgres")
}

func TestRules_SummarizeAndSynthesize(t *testing.T) {
	var ep EpisodeSummary
	_, err := GenerateJSON(context.Background(), NewRules(), SummarizeRequest(SummarizeInput{Facts: []FactDigest{
		{ID: "f1", Content: "On billing, Alice works with Bob", FactType: FactRelationship, Score: 0.8},
		{ID: "f2", Content: "The billing service uses Postgres", FactType: FactMention, Score: 0.6},
	}}), &ep)
	require.NoError(t, err)
	assert.Contains(t, ep.Topics, "billing")
	assert.InDelta(t, 0.7, ep.Importance, 1e-9)
	require.Len(t, ep.Relationships, 1)
	assert.Equal(t, "Bob", ep.Relationships[0].To)

	var syn SynthesisResult
	_, err = GenerateJSON(context.Background(), NewRules(), SynthesizeRequest(SynthesizeInput{
		Episodes: []EpisodeDigest{{ID: "e1", Summary: "billing work"}, {ID: "e2", Summary: "billing review"}},
	}), &syn)
	require.NoError(t, err)
	require.Len(t, syn.Documents, 1)
	doc := syn.Documents[0]
	assert.Equal(t, "summary", doc.KnowledgeType)
	assert.Equal(t, "billing", doc.Domain)
	assert.True(t, strings.HasPrefix(doc.Title, "Summary: billing"))
	assert.InDelta(t, 0.6, doc.Confidence, 1e-9)
}

func TestRules_RejectsWrongInput(t *testing.T) {
	_, err := NewRules().Generate(context.Background(), Request{Task: TaskSegment, Input: "nope"})
	assert.Error(t, err)
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(256)
	vecs, err := e.Embed(context.Background(), []string{
		"postgres migration deadline",
		"postgres migration plan",
		"favourite ice cream flavour",
		"",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 4)

	again, _ := e.Embed(context.Background(), []string{"postgres migration deadline"})
	assert.Equal(t, vecs[0], again[0])

	assert.Greater(t, index.Cosine(vecs[0], vecs[1]), index.Cosine(vecs[0], vecs[2]))
	assert.InDelta(t, 1.0, index.Cosine(vecs[0], vecs[0]), 1e-6)
	assert.Equal(t, float32(1), vecs[3][0])
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("down")
}
func (failingEmbedder) Dimension() int { return 8 }

func TestFallbackEmbedder(t *testing.T) {
	e := NewFallbackEmbedder(failingEmbedder{}, 0, logger.Nop())
	assert.Equal(t, 8, e.Dimension())
	vecs, err := e.Embed(context.Background(), []string{"a b"})
	require.NoError(t, err)
	assert.Len(t, vecs[0], 8)
}
