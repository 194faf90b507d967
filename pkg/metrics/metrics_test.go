package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/goclaw/tiermem/pkg/lifecycle"
	"github.com/goclaw/tiermem/pkg/llm"
	"github.com/goclaw/tiermem/pkg/storage"
	"github.com/goclaw/tiermem/pkg/tier"
)

func TestNewManager(t *testing.T) {
	m := NewManager(DefaultConfig())
	if m == nil {
		t.Fatal("NewManager returned nil")
	}
	if !m.Enabled() {
		t.Error("Expected metrics to be enabled")
	}
	if m.Registry() == nil {
		t.Error("Expected a registry")
	}
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	if m.Enabled() {
		t.Error("Expected metrics to be disabled")
	}

	// Recording on a disabled manager must be safe.
	m.ObserveTierOp(tier.L2, "store", time.Now(), nil)
	m.ObserveGate(tier.L2, true, 0.8)
	m.ObserveCycle(lifecycle.EnginePromotion, time.Now(), 1, nil)
	m.ObserveFallback(lifecycle.EnginePromotion, llm.TaskExtract)
	m.RecordHTTPRequest("GET", "/healthz", "200", time.Millisecond)
	m.IncActiveConnections()
	m.DecActiveConnections()
	if err := m.Register(storage.NewCollector(storage.BackendMemory, "x")); err != nil {
		t.Errorf("Register on disabled manager: %v", err)
	}

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from disabled handler, got %d", w.Code)
	}
}

func TestNewManager_EmptyBucketsUseDefaults(t *testing.T) {
	m := NewManager(Config{Enabled: true})
	m.ObserveTierOp(tier.L1, "store", time.Now(), nil)
	if got := testutil.CollectAndCount(m.tierDuration); got != 1 {
		t.Errorf("Expected one duration series, got %d", got)
	}
}

func TestManager_TierObserver(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.ObserveTierOp(tier.L2, "store", time.Now(), nil)
	m.ObserveTierOp(tier.L2, "store", time.Now(), storage.NotConnected(storage.BackendMemory, "store"))
	m.ObserveTierOp(tier.L2, "store", time.Now(), errors.New("opaque"))
	m.ObserveGate(tier.L2, true, 0.81)
	m.ObserveGate(tier.L2, false, 0.2)
	m.ObserveGate(tier.L2, false, 0.3)

	if v := testutil.ToFloat64(m.tierOps.WithLabelValues("L2", "store", "ok")); v != 1 {
		t.Errorf("ok ops = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.tierOps.WithLabelValues("L2", "store", "connection")); v != 1 {
		t.Errorf("connection errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.tierOps.WithLabelValues("L2", "store", "error")); v != 1 {
		t.Errorf("unclassified errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.gateDecision.WithLabelValues("L2", "rejected")); v != 2 {
		t.Errorf("rejected = %v, want 2", v)
	}
}

func TestManager_LifecycleObserver(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.ObserveCycle(lifecycle.EngineConsolidation, time.Now(), 3, nil)
	m.ObserveCycle(lifecycle.EngineConsolidation, time.Now(), 0, errors.New("boom"))
	m.ObserveFallback(lifecycle.EngineConsolidation, llm.TaskSummarize)

	if v := testutil.ToFloat64(m.cycles.WithLabelValues("consolidation", "success")); v != 1 {
		t.Errorf("successful cycles = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.cycles.WithLabelValues("consolidation", "failure")); v != 1 {
		t.Errorf("failed cycles = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.created.WithLabelValues("consolidation")); v != 3 {
		t.Errorf("created = %v, want 3", v)
	}
	if v := testutil.ToFloat64(m.fallbacks.WithLabelValues("consolidation", "summarize")); v != 1 {
		t.Errorf("fallbacks = %v, want 1", v)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewManager(DefaultConfig())

	c := storage.NewCollector(storage.BackendMemory, "facts")
	c.Observe("store", time.Now(), nil)
	if err := m.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.ObserveTierOp(tier.L4, "search", time.Now(), nil)
	m.RecordHTTPRequest("GET", "/healthz", "200", 5*time.Millisecond)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, want := range []string{
		"tiermem_tier_operations_total",
		"tiermem_http_requests_total",
		`instance="facts"`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}
