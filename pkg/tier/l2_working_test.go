package tier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/tiermem/pkg/ciar"
	"github.com/goclaw/tiermem/pkg/storage"
)

func newL2(t *testing.T, opts ...Option) (*WorkingMemory, *clock) {
	t.Helper()
	clk := newClock()
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return NewWorkingMemory(connected(t, "facts"), ciar.New(ciar.DefaultConfig()), WorkingMemoryConfig{}, opts...), clk
}

func TestWorkingMemory_Gate(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	l2, _ := newL2(t, WithObserver(obs))

	_, err := l2.Store(ctx, Fact{SessionID: "S", Content: "it might rain", FactType: FactMention, Certainty: 0.5, Impact: 0.5})
	require.Error(t, err)
	assert.True(t, IsBelowThreshold(err))
	assert.Equal(t, storage.KindData, storage.KindOf(err))
	var bt *BelowThresholdError
	require.ErrorAs(t, err, &bt)
	assert.InDelta(t, 0.25, bt.Score, 1e-9)
	assert.Equal(t, 0.6, bt.Threshold)

	facts, err := l2.Query(ctx, FactQuery{SessionID: "S"})
	require.NoError(t, err)
	assert.Empty(t, facts, "rejected facts are never persisted")

	id, err := l2.Store(ctx, Fact{SessionID: "S", Content: "I prefer dark mode", FactType: FactPreference, Certainty: 0.9, Impact: 0.9})
	require.NoError(t, err)

	f, err := l2.Peek(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.81, f.CIARScore, 1e-9)
	assert.Equal(t, 0, f.AccessCount)
	assert.Equal(t, []bool{false, true}, obs.gates)
}

func TestWorkingMemory_RejectsInvalid(t *testing.T) {
	ctx := context.Background()
	l2, _ := newL2(t)

	tests := []Fact{
		{Content: "x", FactType: FactEvent, Certainty: 1, Impact: 1},
		{SessionID: "S", FactType: FactEvent, Certainty: 1, Impact: 1},
		{SessionID: "S", Content: "x", FactType: "opinion", Certainty: 1, Impact: 1},
		{SessionID: "S", Content: "x", FactType: FactEvent, Certainty: 1.5, Impact: 1},
	}
	for _, f := range tests {
		_, err := l2.Store(ctx, f)
		var ve *ValidationError
		assert.ErrorAs(t, err, &ve, "%+v", f)
	}
}

func TestWorkingMemory_RetrieveReinforces(t *testing.T) {
	ctx := context.Background()
	l2, clk := newL2(t)

	id, err := l2.Store(ctx, Fact{SessionID: "S", Content: "deadline is Friday", FactType: FactConstraint, Certainty: 0.9, Impact: 0.9})
	require.NoError(t, err)
	clk.Advance(time.Minute)

	f, err := l2.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, f.AccessCount)
	expected := l2.Scorer().Score(ciar.Input{Certainty: 0.9, Impact: 0.9, AgeDays: ciar.AgeDays(f.CreatedAt, clk.Now()), AccessCount: 1})
	assert.InDelta(t, expected, f.CIARScore, 1e-9)
	assert.Greater(t, f.CIARScore, 0.81)
	assert.Equal(t, clk.Now().UnixMilli(), f.LastAccessed.UnixMilli())

	f, err = l2.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, f.AccessCount)

	peeked, err := l2.Peek(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, peeked.AccessCount, "reinforcement is persisted")
}

func TestWorkingMemory_ReinforcementFailureDoesNotFailRead(t *testing.T) {
	ctx := context.Background()
	store := connected(t, "facts")
	l2 := NewWorkingMemory(store, nil, WorkingMemoryConfig{})

	id, err := l2.Store(ctx, Fact{SessionID: "S", Content: "uses Postgres", FactType: FactEntity, Certainty: 0.9, Impact: 0.8})
	require.NoError(t, err)

	store.FailWith("cas", errors.New("connection reset"))
	f, err := l2.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, f.AccessCount)

	store.FailWith("cas", nil)
	peeked, err := l2.Peek(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, peeked.AccessCount)

	_, err = l2.Retrieve(ctx, "missing")
	assert.True(t, storage.IsNotFound(err))
}

func TestWorkingMemory_QueryAndConsolidationState(t *testing.T) {
	ctx := context.Background()
	l2, clk := newL2(t)

	store := func(session, content, factType string, c float64) string {
		id, err := l2.Store(ctx, Fact{SessionID: session, Content: content, FactType: factType, Certainty: c, Impact: 0.9})
		require.NoError(t, err)
		clk.Advance(time.Second)
		return id
	}
	a := store("S", "prefers tea", FactPreference, 0.9)
	b := store("S", "must finish by June", FactConstraint, 0.8)
	store("S", "met Bob on Monday", FactEvent, 0.7)
	store("T", "prefers coffee", FactPreference, 0.9)

	all, err := l2.Query(ctx, FactQuery{SessionID: "S"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, a, all[0].FactID, "ordered by score")

	typed, err := l2.Query(ctx, FactQuery{SessionID: "S", FactTypes: []string{FactPreference, FactConstraint}})
	require.NoError(t, err)
	assert.Len(t, typed, 2)

	high, err := l2.Query(ctx, FactQuery{MinCIAR: 0.75})
	require.NoError(t, err)
	assert.Len(t, high, 2)

	n, err := l2.CountUnconsolidated(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	marked, err := l2.MarkConsolidated(ctx, []string{a, b, "gone"}, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	n, err = l2.CountUnconsolidated(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f, err := l2.Peek(ctx, a)
	require.NoError(t, err)
	assert.True(t, f.Consolidated())
	assert.Equal(t, "ep-1", f.EpisodeID)

	sessions, err := l2.UnconsolidatedSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"S", "T"}, sessions)

	dup, err := l2.FindByContent(ctx, "S", "  Prefers TEA ")
	require.NoError(t, err)
	assert.Equal(t, a, dup.FactID)
	_, err = l2.FindByContent(ctx, "T", "prefers tea")
	assert.True(t, storage.IsNotFound(err))

	found, err := l2.Delete(ctx, a)
	require.NoError(t, err)
	assert.True(t, found)
}
