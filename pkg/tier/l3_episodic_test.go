package tier

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/tiermem/pkg/storage"
	"github.com/goclaw/tiermem/pkg/storage/memory"
)

func newL3(t *testing.T) (*EpisodicMemory, *memory.Adapter, *memory.Adapter) {
	t.Helper()
	vectors := connected(t, "vectors")
	graph := connected(t, "graph")
	return NewEpisodicMemory(vectors, graph, EpisodicMemoryConfig{}), vectors, graph
}

func episodeInput(session string, facts []string, from time.Time, to *time.Time, vec []float32, entities ...string) EpisodeInput {
	in := EpisodeInput{
		Episode: Episode{
			SessionID:       session,
			Summary:         "summary of " + facts[0],
			SourceFactIDs:   facts,
			TimeWindowStart: from,
			TimeWindowEnd:   from.Add(time.Hour),
			FactValidFrom:   from,
			FactValidTo:     to,
			Importance:      0.7,
		},
		Embedding: vec,
	}
	for _, e := range entities {
		in.Entities = append(in.Entities, Entity{Name: e, Type: "person"})
	}
	return in
}

func TestEpisodicMemory_DualWriteLinkage(t *testing.T) {
	ctx := context.Background()
	l3, vectors, graph := newL3(t)

	now := time.Now().UTC()
	id, err := l3.Store(ctx, episodeInput("S", []string{"f1", "f2"}, now, nil, []float32{1, 0, 0}, "Alice", "Bob"))
	require.NoError(t, err)
	assert.Equal(t, EpisodeIDFor("S", []string{"f1", "f2"}), id)

	node, err := graph.Retrieve(ctx, storage.LabelEpisode, id)
	require.NoError(t, err)
	vectorID := node.Fields["vector_id"].(string)

	point, err := vectors.Retrieve(ctx, CollectionEpisodes, vectorID)
	require.NoError(t, err)
	assert.Equal(t, id, point.Fields["episode_id"], "vector payload references the graph node")
	assert.Equal(t, point.ID, vectorID, "graph node references the vector point")

	ep, err := l3.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, ep.FactCount)
	assert.ElementsMatch(t, []string{"Alice", "Bob"}, ep.Entities)

	rows, err := l3.QueryGraph(ctx, storage.TemplateEpisodesByEntity, map[string]any{"entity": EntityID("Alice")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0]["id"])

	again, err := l3.Store(ctx, episodeInput("S", []string{"f2", "f1"}, now, nil, []float32{1, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, id, again, "same source facts converge on one episode")
	n, err := l3.CountSession(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEpisodicMemory_Validation(t *testing.T) {
	ctx := context.Background()
	l3, _, _ := newL3(t)
	now := time.Now()

	in := episodeInput("S", []string{"f1"}, now, nil, nil)
	_, err := l3.Store(ctx, in)
	assert.Equal(t, storage.KindData, storage.KindOf(err), "embedding required")

	in = episodeInput("S", []string{"f1", "f2"}, now, nil, []float32{1})
	in.Episode.FactCount = 3
	_, err = l3.Store(ctx, in)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "fact_count", ve.Field)

	in = episodeInput("S", []string{"f1"}, now, nil, []float32{1})
	in.Episode.TimeWindowEnd = now.Add(-time.Hour)
	_, err = l3.Store(ctx, in)
	assert.Error(t, err)
}

func TestEpisodicMemory_PartialFailureAndReconcile(t *testing.T) {
	ctx := context.Background()
	l3, vectors, graph := newL3(t)
	now := time.Now()

	vectors.FailWith("store", errors.New("qdrant down"))
	id, err := l3.Store(ctx, episodeInput("S", []string{"f1"}, now, nil, []float32{0, 1}))
	var dw *DualWriteError
	require.ErrorAs(t, err, &dw)
	assert.True(t, dw.GraphOK())
	assert.False(t, dw.VectorOK())
	assert.True(t, storage.IsRetryable(err))
	vectors.FailWith("store", nil)

	graph.FailWith("store", errors.New("neo4j down"))
	orphan, err := l3.Store(ctx, episodeInput("S", []string{"f9"}, now, nil, []float32{1, 0}))
	require.ErrorAs(t, err, &dw)
	assert.True(t, dw.VectorOK())
	graph.FailWith("store", nil)

	_, err = l3.Store(ctx, episodeInput("S", []string{"f5"}, now, nil, []float32{1, 1}))
	require.NoError(t, err)

	res, err := l3.Reconcile(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, 1, res.GraphOrphans)
	assert.Equal(t, 1, res.VectorOrphans)

	_, err = l3.Retrieve(ctx, id)
	assert.True(t, storage.IsNotFound(err))
	_, err = vectors.Retrieve(ctx, CollectionEpisodes, orphan)
	assert.True(t, storage.IsNotFound(err))

	res, err = l3.Reconcile(ctx, "S")
	require.NoError(t, err)
	assert.Zero(t, res.GraphOrphans+res.VectorOrphans, "reconcile is idempotent")
	assert.Equal(t, 1, res.Checked)
}

func TestEpisodicMemory_QueryTemporal(t *testing.T) {
	ctx := context.Background()
	l3, _, _ := newL3(t)
	base := time.Now().Add(-30 * 24 * time.Hour).Truncate(time.Millisecond)
	day := 24 * time.Hour

	end1 := base.Add(2 * day)
	end2 := base.Add(5 * day)
	early, err := l3.Store(ctx, episodeInput("S", []string{"a"}, base, &end1, []float32{1, 0}))
	require.NoError(t, err)
	late, err := l3.Store(ctx, episodeInput("S", []string{"b"}, base.Add(3*day), &end2, []float32{0, 1}))
	require.NoError(t, err)
	open, err := l3.Store(ctx, episodeInput("S", []string{"c"}, base.Add(4*day), nil, []float32{1, 1}))
	require.NoError(t, err)

	ids := func(at time.Time) []string {
		eps, err := l3.QueryTemporal(ctx, at, "S", 0)
		require.NoError(t, err)
		out := make([]string, len(eps))
		for i, e := range eps {
			out[i] = e.EpisodeID
		}
		return out
	}
	assert.ElementsMatch(t, []string{early}, ids(base.Add(day)))
	assert.ElementsMatch(t, []string{late}, ids(base.Add(3*day+time.Hour)))
	assert.ElementsMatch(t, []string{late, open}, ids(base.Add(4*day+time.Hour)))
	assert.ElementsMatch(t, []string{open}, ids(base.Add(20*day)))
	assert.Empty(t, ids(base.Add(-day)))
}

func TestEpisodicMemory_SearchRelatedDelete(t *testing.T) {
	ctx := context.Background()
	l3, vectors, _ := newL3(t)
	now := time.Now()

	a, err := l3.Store(ctx, episodeInput("S", []string{"a"}, now, nil, []float32{1, 0, 0}, "Alice"))
	require.NoError(t, err)
	b, err := l3.Store(ctx, episodeInput("S", []string{"b"}, now.Add(time.Hour), nil, []float32{0.9, 0.1, 0}, "Alice", "Bob"))
	require.NoError(t, err)
	_, err = l3.Store(ctx, episodeInput("T", []string{"c"}, now, nil, []float32{0, 0, 1}, "Carol"))
	require.NoError(t, err)

	hits, err := l3.SearchSimilar(ctx, []float32{1, 0, 0}, EpisodeQuery{SessionID: "S", Limit: 5})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, a, hits[0].EpisodeID)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)

	related, err := l3.Related(ctx, a, 0)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, b, related[0].EpisodeID)

	listed, err := l3.Query(ctx, EpisodeQuery{SessionID: "S"})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, b, listed[0].EpisodeID, "newest window first")

	_, err = l3.QueryGraph(ctx, "MATCH (n) DETACH DELETE n", nil)
	assert.Equal(t, storage.KindQuery, storage.KindOf(err))

	found, err := l3.Delete(ctx, a)
	require.NoError(t, err)
	assert.True(t, found)
	_, err = l3.Retrieve(ctx, a)
	assert.True(t, storage.IsNotFound(err))
	_, err = vectors.Retrieve(ctx, CollectionEpisodes, a)
	assert.True(t, storage.IsNotFound(err))

	found, err = l3.Delete(ctx, a)
	require.NoError(t, err)
	assert.False(t, found)
}

// gatedGraph blocks episode node writes until release is closed.
type gatedGraph struct {
	*memory.Adapter
	entered chan struct{}
	release chan struct{}
}

func (g *gatedGraph) Store(ctx context.Context, rec *storage.Record) (string, error) {
	if rec.Collection == storage.LabelEpisode {
		close(g.entered)
		<-g.release
	}
	return g.Adapter.Store(ctx, rec)
}

func TestEpisodicMemory_ReconcileWaitsForInFlightStore(t *testing.T) {
	ctx := context.Background()
	vectors := connected(t, "vectors")
	graph := &gatedGraph{Adapter: connected(t, "graph"), entered: make(chan struct{}), release: make(chan struct{})}
	l3 := NewEpisodicMemory(vectors, graph, EpisodicMemoryConfig{})

	stored := make(chan error, 1)
	go func() {
		_, err := l3.Store(ctx, episodeInput("S", []string{"f1"}, time.Now(), nil, []float32{1, 0}))
		stored <- err
	}()
	<-graph.entered

	reconciled := make(chan ReconcileResult, 1)
	go func() {
		res, err := l3.Reconcile(ctx, "")
		assert.NoError(t, err)
		reconciled <- res
	}()

	select {
	case <-reconciled:
		t.Fatal("reconcile ran while the graph write was pending")
	case <-time.After(50 * time.Millisecond):
	}

	close(graph.release)
	require.NoError(t, <-stored)
	res := <-reconciled
	assert.Zero(t, res.VectorOrphans+res.GraphOrphans)

	id := EpisodeIDFor("S", []string{"f1"})
	_, err := vectors.Retrieve(ctx, CollectionEpisodes, id)
	assert.NoError(t, err, "vector side survives")
	_, err = graph.Retrieve(ctx, storage.LabelEpisode, id)
	assert.NoError(t, err, "graph side survives")
}

func TestEpisodicMemory_ReconcileGrace(t *testing.T) {
	ctx := context.Background()
	vectors := connected(t, "vectors")
	graph := connected(t, "graph")
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	l3 := NewEpisodicMemory(vectors, graph, EpisodicMemoryConfig{ReconcileGrace: time.Minute}, WithClock(func() time.Time { return clock() }))

	graph.FailWith("store", errors.New("neo4j down"))
	id, err := l3.Store(ctx, episodeInput("S", []string{"f1"}, now, nil, []float32{1, 0}))
	require.Error(t, err)
	graph.FailWith("store", nil)

	res, err := l3.Reconcile(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.VectorOrphans)
	_, err = vectors.Retrieve(ctx, CollectionEpisodes, id)
	require.NoError(t, err, "young episodes are left for the writer")

	later := now.Add(2 * time.Minute)
	clock = func() time.Time { return later }
	res, err = l3.Reconcile(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.VectorOrphans)
	assert.Zero(t, res.Skipped)
}

// cappedSearch returns at most max records per Search, like one scroll page.
type cappedSearch struct {
	*memory.Adapter
	max int
}

func (c *cappedSearch) Search(ctx context.Context, q storage.Query) ([]*storage.Record, error) {
	recs, err := c.Adapter.Search(ctx, q)
	if len(recs) > c.max {
		recs = recs[:c.max]
	}
	return recs, err
}

func TestEpisodicMemory_ReconcileKeepsEpisodesMissingFromSearchPage(t *testing.T) {
	ctx := context.Background()
	vectors := &cappedSearch{Adapter: connected(t, "vectors"), max: 3}
	graph := connected(t, "graph")
	l3 := NewEpisodicMemory(vectors, graph, EpisodicMemoryConfig{})

	now := time.Now()
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := l3.Store(ctx, episodeInput("S", []string{fmt.Sprintf("f%d", i)}, now, nil, []float32{1, float32(i)}))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	res, err := l3.Reconcile(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Checked)
	assert.Zero(t, res.GraphOrphans)
	assert.Zero(t, res.VectorOrphans)

	for _, id := range ids {
		_, err := graph.Retrieve(ctx, storage.LabelEpisode, id)
		assert.NoError(t, err, id)
	}
}
