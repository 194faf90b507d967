package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goclaw/tiermem/pkg/memory"
	"github.com/goclaw/tiermem/pkg/storage"
	"github.com/goclaw/tiermem/pkg/tier"
)

type stubChecker struct {
	status storage.Status
	calls  int
}

func (s *stubChecker) HealthCheck(ctx context.Context) memory.Health {
	s.calls++
	return memory.Health{
		Status: s.status,
		Tiers: map[tier.ID]tier.Health{
			tier.L2: {Tier: tier.L2, Status: s.status},
		},
		CheckedAt: time.Now(),
	}
}

func TestHealthHandler_Health(t *testing.T) {
	checker := &stubChecker{status: storage.StatusUnhealthy}
	handler := NewHealthHandler(checker)

	w := httptest.NewRecorder()
	handler.Health(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Health() status = %v, want %v", w.Code, http.StatusOK)
	}
	if checker.calls != 0 {
		t.Error("liveness must not query the backends")
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		status    storage.Status
		wantCode  int
		wantReady bool
	}{
		{storage.StatusHealthy, http.StatusOK, true},
		{storage.StatusDegraded, http.StatusOK, true},
		{storage.StatusUnhealthy, http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			handler := NewHealthHandler(&stubChecker{status: tt.status})

			w := httptest.NewRecorder()
			handler.Ready(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if w.Code != tt.wantCode {
				t.Errorf("Ready() status = %v, want %v", w.Code, tt.wantCode)
			}
			var body struct {
				Ready  bool           `json:"ready"`
				Status storage.Status `json:"status"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Ready != tt.wantReady || body.Status != tt.status {
				t.Errorf("unexpected body %+v", body)
			}
		})
	}
}

func TestHealthHandler_Status(t *testing.T) {
	handler := NewHealthHandler(&stubChecker{status: storage.StatusDegraded})

	w := httptest.NewRecorder()
	handler.Status(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Status() status = %v, want 200", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("expected degraded, got %v", body["status"])
	}
	tiers, ok := body["tiers"].(map[string]interface{})
	if !ok || tiers["L2"] == nil {
		t.Errorf("expected per-tier health, got %v", body["tiers"])
	}
	if _, ok := body["version"].(map[string]interface{}); !ok {
		t.Error("expected version info")
	}
}

func TestHealthHandler_ExpiredContext(t *testing.T) {
	handler := NewHealthHandler(&stubChecker{status: storage.StatusHealthy})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := httptest.NewRecorder()
	handler.Ready(w, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504 for an expired request, got %d", w.Code)
	}
}
