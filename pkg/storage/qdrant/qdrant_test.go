package qdrant

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/tiermem/pkg/storage"
)

func TestPointIDDeterministic(t *testing.T) {
	a := PointID("episodes", "ep-1")
	b := PointID("episodes", "ep-1")
	c := PointID("facts", "ep-1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestPayloadRoundTrip(t *testing.T) {
	rec := &storage.Record{
		ID:         "ep-1",
		Collection: "episodes",
		Fields: map[string]any{
			"session_id": "s1",
			"importance": 0.8,
			"entities":   []string{"postgres", "redis"},
			"fact_count": 3,
		},
		Body:      []byte(`{"summary":"x"}`),
		Text:      "summary text",
		ExpiresAt: time.UnixMilli(1_700_000_000_000).UTC(),
	}

	payload, err := qdrant.TryValueMap(toPayload(rec))
	require.NoError(t, err)

	got := fromPayload("episodes", payload)
	assert.Equal(t, "ep-1", got.ID)
	assert.Equal(t, "s1", got.Fields["session_id"])
	assert.Equal(t, 0.8, got.Fields["importance"])
	assert.Equal(t, 3.0, got.Fields["fact_count"])
	assert.Equal(t, []string{"postgres", "redis"}, got.Fields["entities"])
	assert.Equal(t, `{"summary":"x"}`, string(got.Body))
	assert.Equal(t, "summary text", got.Text)
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
	assert.NotContains(t, got.Fields, payloadID)
}

func TestBuildFilter(t *testing.T) {
	assert.Nil(t, buildFilter(nil))

	f := buildFilter([]storage.Filter{
		storage.Eq("session_id", "s1"),
		storage.Gte("importance", 0.5),
		{Field: "status", Op: storage.OpNe, Value: "archived"},
		{Field: "entities", Op: storage.OpContains, Value: "postgres"},
		{Field: "fact_valid_to", Op: storage.OpMissing},
		{Field: "source_episode_ids", Op: storage.OpExists},
	})

	require.Len(t, f.Must, 4)
	require.Len(t, f.MustNot, 2)
	assert.Equal(t, "session_id", f.Must[0].GetField().GetKey())
	assert.Equal(t, 0.5, f.Must[1].GetField().GetRange().GetGte())
	assert.Equal(t, "status", f.MustNot[0].GetField().GetKey())
}

func TestScrollAll_FollowsOffsets(t *testing.T) {
	// Three pages of two points each; the last page has no next offset.
	pages := map[uint64][]*qdrant.RetrievedPoint{}
	for page := uint64(0); page < 3; page++ {
		for i := uint64(0); i < 2; i++ {
			pages[page] = append(pages[page], &qdrant.RetrievedPoint{Id: qdrant.NewIDNum(page*2 + i)})
		}
	}

	var calls []uint64
	points, err := scrollAll(func(offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error) {
		page := uint64(0)
		if offset != nil {
			page = offset.GetNum()
		}
		calls = append(calls, page)
		var next *qdrant.PointId
		if page < 2 {
			next = qdrant.NewIDNum(page + 1)
		}
		return pages[page], next, nil
	})
	require.NoError(t, err)
	assert.Len(t, points, 6)
	assert.Equal(t, []uint64{0, 1, 2}, calls)
}

func TestScrollAll_Error(t *testing.T) {
	calls := 0
	_, err := scrollAll(func(offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error) {
		calls++
		if calls == 2 {
			return nil, nil, errors.New("unavailable")
		}
		return []*qdrant.RetrievedPoint{{Id: qdrant.NewIDNum(1)}}, qdrant.NewIDNum(2), nil
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestAdapter_NotConnected(t *testing.T) {
	a := New("test", DefaultConfig())
	_, err := a.Retrieve(context.Background(), "episodes", "x")
	assert.Equal(t, storage.KindConnection, storage.KindOf(err))
	assert.Equal(t, storage.StatusUnhealthy, a.HealthCheck(context.Background()).Status)
}

func TestAdapter_StoreRequiresVector(t *testing.T) {
	a := New("test", DefaultConfig())
	a.client = &qdrant.Client{}
	_, err := a.Store(context.Background(), &storage.Record{ID: "x", Collection: "episodes"})
	assert.Equal(t, storage.KindData, storage.KindOf(err))
}

// TestQdrantLive exercises a running Qdrant when TIERMEM_TEST_QDRANT_HOST is set.
func TestQdrantLive(t *testing.T) {
	host := os.Getenv("TIERMEM_TEST_QDRANT_HOST")
	if host == "" {
		t.Skip("TIERMEM_TEST_QDRANT_HOST not set")
	}
	cfg := DefaultConfig()
	cfg.Host = host
	cfg.CollectionPrefix = "tiermem_test_" + strconv.FormatInt(time.Now().UnixNano(), 36) + "_"

	a := New("test", cfg)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	defer a.Disconnect(ctx)

	for i, v := range [][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}} {
		_, err := a.Store(ctx, &storage.Record{
			ID:         "ep-" + strconv.Itoa(i),
			Collection: "episodes",
			Fields:     map[string]any{"session_id": "s1"},
			Vector:     v,
		})
		require.NoError(t, err)
	}

	recs, err := a.Search(ctx, storage.Query{
		Collection: "episodes",
		Vector:     []float32{1, 0, 0},
		Filters:    []storage.Filter{storage.Eq("session_id", "s1")},
		Limit:      2,
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "ep-0", recs[0].ID)

	deleted, err := a.Delete(ctx, "episodes", "ep-0")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = a.Retrieve(ctx, "episodes", "ep-0")
	assert.True(t, storage.IsNotFound(err))
}
