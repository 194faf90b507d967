package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// AdapterTestSuite defines a conformance suite that can be run against any
// Adapter implementation. Optional capabilities are exercised only when the
// adapter implements them.
type AdapterTestSuite struct {
	NewAdapter func(t *testing.T) Adapter
}

// RunAllTests runs all conformance tests against the provided adapter.
func (s *AdapterTestSuite) RunAllTests(t *testing.T) {
	t.Run("RecordCRUD", s.TestRecordCRUD)
	t.Run("SearchFilters", s.TestSearchFilters)
	t.Run("SearchOrderAndLimit", s.TestSearchOrderAndLimit)
	t.Run("BatchOperations", s.TestBatchOperations)
	t.Run("Expiry", s.TestExpiry)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
	t.Run("HealthCheck", s.TestHealthCheck)
	t.Run("CompareAndSwap", s.TestCompareAndSwap)
	t.Run("ListWindow", s.TestListWindow)
}

func (s *AdapterTestSuite) open(t *testing.T) Adapter {
	t.Helper()
	a := s.NewAdapter(t)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })
	return a
}

// TestRecordCRUD tests store, retrieve, update and delete of a single record.
func (s *AdapterTestSuite) TestRecordCRUD(t *testing.T) {
	a := s.open(t)
	ctx := context.Background()

	rec := &Record{
		ID:         "rec-1",
		Collection: "facts",
		Fields:     map[string]any{"session_id": "s1", "ciar_score": 0.7},
		Body:       []byte(`{"content":"hello"}`),
		Text:       "hello world",
	}

	id, err := a.Store(ctx, rec)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if id != "rec-1" {
		t.Errorf("expected id rec-1, got %s", id)
	}

	got, err := a.Retrieve(ctx, "facts", "rec-1")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got.Fields["session_id"] != "s1" {
		t.Errorf("expected session_id s1, got %v", got.Fields["session_id"])
	}
	if string(got.Body) != `{"content":"hello"}` {
		t.Errorf("unexpected body %s", got.Body)
	}

	rec.Fields["ciar_score"] = 0.9
	if _, err := a.Store(ctx, rec); err != nil {
		t.Fatalf("Store (update) failed: %v", err)
	}
	got, err = a.Retrieve(ctx, "facts", "rec-1")
	if err != nil {
		t.Fatalf("Retrieve (after update) failed: %v", err)
	}
	if v, _ := Float(got.Fields["ciar_score"]); v != 0.9 {
		t.Errorf("expected ciar_score 0.9, got %v", got.Fields["ciar_score"])
	}

	deleted, err := a.Delete(ctx, "facts", "rec-1")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !deleted {
		t.Error("expected Delete to report removal")
	}

	_, err = a.Retrieve(ctx, "facts", "rec-1")
	if !IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}

	deleted, err = a.Delete(ctx, "facts", "rec-1")
	if err != nil {
		t.Fatalf("Delete of absent id failed: %v", err)
	}
	if deleted {
		t.Error("expected Delete of absent id to report false")
	}
}

// TestSearchFilters tests every filter operator.
func (s *AdapterTestSuite) TestSearchFilters(t *testing.T) {
	a := s.open(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		fields := map[string]any{
			"session_id": fmt.Sprintf("s%d", i%2),
			"ciar_score": float64(i) / 10,
			"topics":     []string{"topic", fmt.Sprintf("t%d", i)},
		}
		if i%3 == 0 {
			fields["consolidated_at"] = float64(1000 + i)
		}
		rec := &Record{ID: fmt.Sprintf("f%d", i), Collection: "facts", Fields: fields}
		if _, err := a.Store(ctx, rec); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	cases := []struct {
		name    string
		filters []Filter
		want    int
	}{
		{"eq", []Filter{Eq("session_id", "s0")}, 3},
		{"gte", []Filter{Gte("ciar_score", 0.3)}, 3},
		{"lte", []Filter{Lte("ciar_score", 0.1)}, 2},
		{"range", []Filter{Gte("ciar_score", 0.2), Lte("ciar_score", 0.4)}, 3},
		{"contains", []Filter{{Field: "topics", Op: OpContains, Value: "t4"}}, 1},
		{"in", []Filter{{Field: "session_id", Op: OpIn, Value: []string{"s0", "s1"}}}, 6},
		{"missing", []Filter{{Field: "consolidated_at", Op: OpMissing}}, 4},
		{"exists", []Filter{{Field: "consolidated_at", Op: OpExists}}, 2},
		{"ne", []Filter{{Field: "session_id", Op: OpNe, Value: "s0"}}, 3},
	}

	for _, tc := range cases {
		recs, err := a.Search(ctx, Query{Collection: "facts", Filters: tc.filters})
		if err != nil {
			t.Fatalf("%s: Search failed: %v", tc.name, err)
		}
		if len(recs) != tc.want {
			t.Errorf("%s: expected %d records, got %d", tc.name, tc.want, len(recs))
		}
	}

	other, err := a.Search(ctx, Query{Collection: "episodes"})
	if err != nil {
		t.Fatalf("Search (other collection) failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected collections to be isolated, got %d records", len(other))
	}
}

// TestSearchOrderAndLimit tests ordering and truncation of search results.
func (s *AdapterTestSuite) TestSearchOrderAndLimit(t *testing.T) {
	a := s.open(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		rec := &Record{
			ID:         fmt.Sprintf("f%02d", i),
			Collection: "facts",
			Fields:     map[string]any{"created_at": float64(i * 100)},
		}
		if _, err := a.Store(ctx, rec); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	recs, err := a.Search(ctx, Query{Collection: "facts", OrderBy: "created_at", Descending: true, Limit: 3})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].ID != "f09" || recs[2].ID != "f07" {
		t.Errorf("unexpected order: %s, %s, %s", recs[0].ID, recs[1].ID, recs[2].ID)
	}
}

// TestBatchOperations tests the batch variants.
func (s *AdapterTestSuite) TestBatchOperations(t *testing.T) {
	a := s.open(t)
	ctx := context.Background()

	recs := make([]*Record, 5)
	for i := range recs {
		recs[i] = &Record{ID: fmt.Sprintf("b%d", i), Collection: "facts", Fields: map[string]any{"n": float64(i)}}
	}

	ids, err := a.StoreBatch(ctx, recs)
	if err != nil {
		t.Fatalf("StoreBatch failed: %v", err)
	}
	if len(ids) != 5 {
		t.Errorf("expected 5 ids, got %d", len(ids))
	}

	got, err := a.RetrieveBatch(ctx, "facts", []string{"b0", "b3", "missing"})
	if err != nil {
		t.Fatalf("RetrieveBatch failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 records, got %d", len(got))
	}

	n, err := a.DeleteBatch(ctx, "facts", []string{"b0", "b1", "missing"})
	if err != nil {
		t.Fatalf("DeleteBatch failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deletions, got %d", n)
	}
}

// TestExpiry tests that expired records are invisible.
func (s *AdapterTestSuite) TestExpiry(t *testing.T) {
	a := s.open(t)
	ctx := context.Background()

	rec := &Record{
		ID:         "short",
		Collection: "facts",
		Fields:     map[string]any{"session_id": "s1"},
		ExpiresAt:  time.Now().Add(30 * time.Millisecond),
	}
	if _, err := a.Store(ctx, rec); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, err := a.Retrieve(ctx, "facts", "short"); err != nil {
		t.Fatalf("Retrieve before expiry failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	if _, err := a.Retrieve(ctx, "facts", "short"); !IsNotFound(err) {
		t.Errorf("expected not found after expiry, got %v", err)
	}
	recs, err := a.Search(ctx, Query{Collection: "facts", Filters: []Filter{Eq("session_id", "s1")}})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected expired record to be excluded, got %d", len(recs))
	}
}

// TestConcurrentAccess tests concurrent writes and reads.
func (s *AdapterTestSuite) TestConcurrentAccess(t *testing.T) {
	a := s.open(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := &Record{ID: fmt.Sprintf("c%d", i), Collection: "facts", Fields: map[string]any{"n": float64(i)}}
			if _, err := a.Store(ctx, rec); err != nil {
				errs <- err
				return
			}
			if _, err := a.Retrieve(ctx, "facts", rec.ID); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent operation failed: %v", err)
	}

	recs, err := a.Search(ctx, Query{Collection: "facts"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(recs) != 20 {
		t.Errorf("expected 20 records, got %d", len(recs))
	}
}

// TestHealthCheck tests that a connected adapter reports healthy.
func (s *AdapterTestSuite) TestHealthCheck(t *testing.T) {
	a := s.open(t)

	h := a.HealthCheck(context.Background())
	if h.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s (%s)", h.Status, h.Message)
	}
	if h.Backend != a.Backend() {
		t.Errorf("expected backend %s, got %s", a.Backend(), h.Backend)
	}
}

// TestCompareAndSwap tests optimistic concurrency on Versioned adapters.
func (s *AdapterTestSuite) TestCompareAndSwap(t *testing.T) {
	a := s.open(t)
	v, ok := a.(Versioned)
	if !ok {
		t.Skip("adapter is not versioned")
	}
	ctx := context.Background()

	rec := &Record{ID: "ws", Collection: "workspace", Body: []byte(`{"n":1}`)}
	ver, err := v.CompareAndSwap(ctx, rec, 0)
	if err != nil {
		t.Fatalf("CompareAndSwap (create) failed: %v", err)
	}
	if ver != 1 {
		t.Errorf("expected version 1, got %d", ver)
	}

	if _, err := v.CompareAndSwap(ctx, rec, 0); !IsConflict(err) {
		t.Errorf("expected conflict on stale create, got %v", err)
	}

	rec.Body = []byte(`{"n":2}`)
	ver, err = v.CompareAndSwap(ctx, rec, 1)
	if err != nil {
		t.Fatalf("CompareAndSwap (update) failed: %v", err)
	}
	if ver != 2 {
		t.Errorf("expected version 2, got %d", ver)
	}

	got, err := a.Retrieve(ctx, "workspace", "ws")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected stored version 2, got %d", got.Version)
	}
}

// TestListWindow tests capped list semantics on ListStore adapters.
func (s *AdapterTestSuite) TestListWindow(t *testing.T) {
	a := s.open(t)
	l, ok := a.(ListStore)
	if !ok {
		t.Skip("adapter has no list capability")
	}
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		rec := &Record{ID: fmt.Sprintf("turn-%02d", i), Collection: "turns"}
		if err := l.Push(ctx, "session:s1", rec, 20, time.Hour); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	recs, err := l.Range(ctx, "session:s1", 0)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(recs) != 20 {
		t.Fatalf("expected 20 records, got %d", len(recs))
	}
	if recs[0].ID != "turn-24" || recs[19].ID != "turn-05" {
		t.Errorf("expected newest first, got %s..%s", recs[0].ID, recs[19].ID)
	}

	recs, err = l.Range(ctx, "session:s1", 5)
	if err != nil {
		t.Fatalf("Range (limited) failed: %v", err)
	}
	if len(recs) != 5 {
		t.Errorf("expected 5 records, got %d", len(recs))
	}

	if err := l.Clear(ctx, "session:s1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	recs, err = l.Range(ctx, "session:s1", 0)
	if err != nil {
		t.Fatalf("Range (after clear) failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected empty list after clear, got %d", len(recs))
	}
}
