package badger

import (
	"context"
	"fmt"
	"testing"

	"github.com/goclaw/tiermem/pkg/storage"
)

// TestBadgerAdapterSuite runs the full conformance suite against Adapter.
func TestBadgerAdapterSuite(t *testing.T) {
	suite := &storage.AdapterTestSuite{
		NewAdapter: func(t *testing.T) storage.Adapter {
			return New("test", Config{
				Path:              t.TempDir(),
				SyncWrites:        false,   // Faster for tests
				ValueLogFileSize:  1 << 20, // 1MB
				NumVersionsToKeep: 1,
			})
		},
	}

	suite.RunAllTests(t)
}

func TestBadgerAdapter_InMemorySuite(t *testing.T) {
	suite := &storage.AdapterTestSuite{
		NewAdapter: func(t *testing.T) storage.Adapter {
			return New("test", Config{InMemory: true})
		},
	}

	suite.RunAllTests(t)
}

func TestBadgerAdapter_ReopenRebuildsIndexes(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a := New("test", Config{Path: dir})
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		rec := &storage.Record{
			ID:         fmt.Sprintf("doc-%d", i),
			Collection: "knowledge",
			Text:       fmt.Sprintf("postgres tuning note %d", i),
			Vector:     []float32{float32(i), 1},
		}
		if _, err := a.Store(ctx, rec); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}
	if err := a.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	reopened := New("test", Config{Path: dir})
	if err := reopened.Connect(ctx); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer reopened.Disconnect(ctx)

	recs, err := reopened.Search(ctx, storage.Query{Collection: "knowledge", Text: "postgres"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("expected 3 text hits after reopen, got %d", len(recs))
	}

	recs, err = reopened.Search(ctx, storage.Query{Collection: "knowledge", Vector: []float32{0, 1}, Limit: 1})
	if err != nil {
		t.Fatalf("vector Search failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "doc-0" {
		t.Errorf("expected doc-0 nearest, got %v", recs)
	}
}

func TestBadgerAdapter_NotConnected(t *testing.T) {
	a := New("test", Config{InMemory: true})
	_, err := a.Retrieve(context.Background(), "facts", "x")
	if storage.KindOf(err) != storage.KindConnection {
		t.Errorf("expected connection error, got %v", err)
	}
	if h := a.HealthCheck(context.Background()); h.Status != storage.StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", h.Status)
	}
}

func TestBadgerAdapter_Collections(t *testing.T) {
	a := New("test", Config{InMemory: true})
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect(ctx)

	for _, coll := range []string{"facts", "knowledge", "facts"} {
		if _, err := a.Store(ctx, &storage.Record{ID: coll + "-1", Collection: coll}); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}
	names, err := a.Collections(ctx)
	if err != nil {
		t.Fatalf("Collections failed: %v", err)
	}
	if len(names) != 2 || names[0] != "facts" || names[1] != "knowledge" {
		t.Errorf("unexpected collections %v", names)
	}
}
