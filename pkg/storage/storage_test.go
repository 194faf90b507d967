package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type kindedErr struct{}

func (kindedErr) Error() string { return "below threshold" }
func (kindedErr) Kind() Kind    { return KindData }

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("wrapped: %w", context.Canceled), KindCanceled},
		{ErrNotConnected, KindConnection},
		{errors.New("syntax error"), KindQuery},
	}
	for _, tc := range cases {
		err := Classify(BackendMemory, "search", tc.err, KindQuery)
		if got := KindOf(err); got != tc.want {
			t.Errorf("Classify(%v) kind = %s, want %s", tc.err, got, tc.want)
		}
	}

	if Classify(BackendMemory, "search", nil, KindQuery) != nil {
		t.Error("expected nil error to stay nil")
	}
}

func TestCanceledIsNotRetryable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Classify(BackendQdrant, "search", ctx.Err(), KindConnection)
	if KindOf(err) != KindCanceled {
		t.Errorf("expected canceled, got %s", KindOf(err))
	}
	if IsRetryable(err) {
		t.Error("a canceled caller must not be retried")
	}
	var se *Error
	if !errors.As(err, &se) || se.Retryable() {
		t.Errorf("expected non-retryable *Error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("expected context.Canceled to stay in the chain")
	}
}

func TestWrapKeepsInnermostKind(t *testing.T) {
	inner := NotFound(BackendRedis, "retrieve", "turns", "t1")
	outer := Wrap(BackendPostgres, "retrieve", KindQuery, inner)
	if KindOf(outer) != KindNotFound {
		t.Errorf("expected not_found, got %s", KindOf(outer))
	}
	if !IsNotFound(outer) {
		t.Error("expected IsNotFound")
	}
	if IsRetryable(outer) {
		t.Error("not-found must not be retryable")
	}
}

func TestKindOfHonoursKindMethod(t *testing.T) {
	err := fmt.Errorf("store: %w", kindedErr{})
	if KindOf(err) != KindData {
		t.Errorf("expected data kind, got %q", KindOf(err))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("expected empty kind for plain error")
	}
}

func TestConflict(t *testing.T) {
	err := Conflict(BackendBadger, "cas", "ws:s1", 1, 3)
	if !IsConflict(err) {
		t.Error("expected IsConflict")
	}
	if !strings.Contains(err.Error(), "expected version 1") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestValidateQuery(t *testing.T) {
	ok := Query{Collection: "facts", Filters: []Filter{Gte("ciar_score", 0.6)}, OrderBy: "created_at"}
	if err := ValidateQuery(ok); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := []Query{
		{Collection: "facts; DROP"},
		{Collection: "facts", OrderBy: "a b"},
		{Collection: "facts", Filters: []Filter{{Field: "x", Op: "regex"}}},
		{Collection: "facts", Filters: []Filter{{Field: "x", Op: OpGte, Value: "high"}}},
		{Collection: "facts", Filters: []Filter{{Field: "x", Op: OpIn, Value: "a"}}},
	}
	for _, q := range bad {
		if err := ValidateQuery(q); err == nil {
			t.Errorf("expected error for %+v", q)
		}
	}
}

func TestMatchesDecodedLists(t *testing.T) {
	rec := &Record{Fields: map[string]any{"topics": []any{"go", "memory"}, "n": 3}}
	if !Matches(rec, []Filter{{Field: "topics", Op: OpContains, Value: "memory"}}) {
		t.Error("expected []any list to match contains")
	}
	if !Matches(rec, []Filter{Eq("n", 3.0)}) {
		t.Error("expected int and float to compare equal")
	}
}

func TestSortRecordsMissingLast(t *testing.T) {
	recs := []*Record{
		{ID: "a"},
		{ID: "b", Fields: map[string]any{"t": 2.0}},
		{ID: "c", Fields: map[string]any{"t": 5.0}},
	}
	SortRecords(recs, "t", true)
	if recs[0].ID != "c" || recs[1].ID != "b" || recs[2].ID != "a" {
		t.Errorf("unexpected order %s %s %s", recs[0].ID, recs[1].ID, recs[2].ID)
	}
}

type fakeAdapter struct {
	Adapter
	connectErr    error
	disconnected  bool
	disconnectErr error
}

func (f *fakeAdapter) Connect(context.Context) error { return f.connectErr }
func (f *fakeAdapter) Disconnect(context.Context) error {
	f.disconnected = true
	return f.disconnectErr
}

func TestUseDisconnectsOnFailure(t *testing.T) {
	f := &fakeAdapter{disconnectErr: errors.New("close failed")}
	boom := errors.New("boom")

	err := Use(context.Background(), f, func(Adapter) error { return boom })
	if !f.disconnected {
		t.Error("expected disconnect after failure")
	}
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "close failed") {
		t.Errorf("expected joined error, got %v", err)
	}
}

func TestUseSkipsBodyWhenConnectFails(t *testing.T) {
	f := &fakeAdapter{connectErr: errors.New("refused")}
	called := false
	err := Use(context.Background(), f, func(Adapter) error { called = true; return nil })
	if err == nil || called || f.disconnected {
		t.Errorf("expected connect failure to short-circuit, err=%v called=%v", err, called)
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector(BackendMemory, "l2")
	start := time.Now()
	c.Observe("store", start, nil)
	c.Observe("store", start, nil)
	c.Observe("retrieve", start, NotFound(BackendMemory, "retrieve", "facts", "x"))
	c.Observe("search", start, Wrap(BackendMemory, "search", KindTimeout, context.DeadlineExceeded))

	snap := c.Snapshot()
	ops := snap["operations"].(map[string]any)
	store := ops["store"].(map[string]any)
	if store["count"].(uint64) != 2 {
		t.Errorf("expected 2 stores, got %v", store["count"])
	}
	retrieve := ops["retrieve"].(map[string]any)
	if retrieve["errors"].(uint64) != 0 {
		t.Error("not-found must not count as an error")
	}
	kinds := snap["errors_by_kind"].(map[string]uint64)
	if kinds["timeout"] != 1 {
		t.Errorf("expected 1 timeout, got %d", kinds["timeout"])
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(NewCollector(BackendMemory, "l4"))
	if n := testutil.CollectAndCount(c, "tiermem_adapter_operations_total"); n != 3 {
		t.Errorf("expected 3 op series, got %d", n)
	}

	var nilCollector *Collector
	nilCollector.Observe("store", start, nil)
}
