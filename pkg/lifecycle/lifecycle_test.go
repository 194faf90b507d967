package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goclaw/tiermem/pkg/ciar"
	"github.com/goclaw/tiermem/pkg/llm"
	"github.com/goclaw/tiermem/pkg/storage/memory"
	"github.com/goclaw/tiermem/pkg/tier"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Now()} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// scripted answers each task with a canned response or fails.
type scripted struct {
	mu        sync.Mutex
	responses map[llm.Task]string
	err       error
	calls     map[llm.Task]int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[llm.Task]int)
	}
	s.calls[req.Task]++
	if s.err != nil {
		return nil, s.err
	}
	text, ok := s.responses[req.Task]
	if !ok {
		return nil, fmt.Errorf("no response for %s", req.Task)
	}
	return &llm.Response{Text: text, Provider: "scripted"}, nil
}

func (s *scripted) count(task llm.Task) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[task]
}

type recordingObserver struct {
	mu        sync.Mutex
	cycles    map[string]int
	fallbacks map[string]int
}

func (o *recordingObserver) ObserveCycle(engine string, start time.Time, created int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cycles == nil {
		o.cycles = make(map[string]int)
	}
	o.cycles[engine]++
}

func (o *recordingObserver) ObserveFallback(engine string, task llm.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fallbacks == nil {
		o.fallbacks = make(map[string]int)
	}
	o.fallbacks[engine+"."+string(task)]++
}

type fixture struct {
	clk     *clock
	l1      *tier.ActiveContext
	l2      *tier.WorkingMemory
	l3      *tier.EpisodicMemory
	l4      *tier.SemanticMemory
	vectors *memory.Adapter
	graph   *memory.Adapter
}

func connected(t *testing.T, name string) *memory.Adapter {
	t.Helper()
	a := memory.New(name)
	require.NoError(t, a.Connect(context.Background()))
	return a
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clk: newClock(), vectors: connected(t, "vectors"), graph: connected(t, "graph")}
	clockOpt := tier.WithClock(f.clk.Now)
	f.l1 = tier.NewActiveContext(connected(t, "turns"), nil, nil, tier.ActiveContextConfig{WindowSize: 20}, clockOpt)
	f.l2 = tier.NewWorkingMemory(connected(t, "facts"), ciar.New(ciar.DefaultConfig()), tier.WorkingMemoryConfig{}, clockOpt)
	f.l3 = tier.NewEpisodicMemory(f.vectors, f.graph, tier.EpisodicMemoryConfig{}, clockOpt)
	f.l4 = tier.NewSemanticMemory(connected(t, "knowledge"), clockOpt)
	return f
}

func (f *fixture) addTurn(t *testing.T, session, id, role, content string) {
	t.Helper()
	_, err := f.l1.Store(context.Background(), tier.Turn{SessionID: session, TurnID: id, Role: role, Content: content})
	require.NoError(t, err)
	f.clk.Advance(time.Second)
}

func (f *fixture) addFact(t *testing.T, session, content string) string {
	t.Helper()
	id, err := f.l2.Store(context.Background(), tier.Fact{
		SessionID: session,
		Content:   content,
		FactType:  tier.FactPreference,
		Certainty: 0.9,
		Impact:    0.9,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) addEpisode(t *testing.T, session string, n int) string {
	t.Helper()
	start := f.clk.Now()
	id, err := f.l3.Store(context.Background(), tier.EpisodeInput{
		Episode: tier.Episode{
			SessionID:       session,
			Summary:         fmt.Sprintf("billing migration step %d", n),
			SourceFactIDs:   []string{fmt.Sprintf("%s-fact-%d", session, n)},
			TimeWindowStart: start,
			TimeWindowEnd:   start.Add(time.Hour),
			FactValidFrom:   start,
			Topics:          []string{"billing", "migration"},
			Importance:      0.7,
		},
		Embedding: []float32{1, float32(n)},
	})
	require.NoError(t, err)
	f.clk.Advance(2 * time.Hour)
	return id
}
