package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/tiermem/config"
	"github.com/goclaw/tiermem/pkg/api/handlers"
	"github.com/goclaw/tiermem/pkg/ciar"
	"github.com/goclaw/tiermem/pkg/logger"
	"github.com/goclaw/tiermem/pkg/memory"
	"github.com/goclaw/tiermem/pkg/metrics"
	storemem "github.com/goclaw/tiermem/pkg/storage/memory"
	"github.com/goclaw/tiermem/pkg/tier"
)

// newTestHandlers wires the ops handlers to a started hub on in-process
// adapters. The returned adapter backs L3 so tests can break it.
func newTestHandlers(t *testing.T) (*Handlers, *memory.MemoryHub, *metrics.Manager) {
	t.Helper()

	m := metrics.NewManager(metrics.DefaultConfig())
	tiers := memory.Tiers{
		L1: tier.NewActiveContext(storemem.New("turns"), nil, storemem.New("workspace"), tier.DefaultActiveContextConfig(), tier.WithObserver(m)),
		L2: tier.NewWorkingMemory(storemem.New("facts"), ciar.New(ciar.DefaultConfig()), tier.DefaultWorkingMemoryConfig(), tier.WithObserver(m)),
		L3: tier.NewEpisodicMemory(storemem.New("vectors"), storemem.New("graph"), tier.DefaultEpisodicMemoryConfig(), tier.WithObserver(m)),
		L4: tier.NewSemanticMemory(storemem.New("knowledge"), tier.WithObserver(m)),
	}

	cfg := memory.DefaultConfig()
	cfg.Scheduler.Enabled = false
	hub, err := memory.NewMemoryHub(tiers, cfg, memory.WithLogger(logger.Nop()), memory.WithEngineObserver(m))
	require.NoError(t, err)
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(func() {
		_ = hub.Stop(context.Background())
		hub.Close()
	})

	return &Handlers{
		Health:   handlers.NewHealthHandler(hub),
		Metrics:  m.Handler(),
		Recorder: m,
	}, hub, m
}

func TestRouter_Probes(t *testing.T) {
	h, hub, _ := newTestHandlers(t)
	router := NewRouter(config.DefaultConfig(), logger.Nop(), h)

	for _, path := range []string{"/healthz", "/readyz", "/status"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"), path)
	}

	// A stopped tier fails readiness but not liveness.
	require.NoError(t, hub.Tiers().L3.Cleanup(context.Background()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	h, hub, _ := newTestHandlers(t)
	router := NewRouter(config.DefaultConfig(), logger.Nop(), h)

	_, err := hub.AddTurn(context.Background(), "s1", "user", "I prefer dark mode", nil)
	require.NoError(t, err)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `tiermem_tier_operations_total{op="store",result="ok",tier="L1"}`)
	assert.Contains(t, body, `tiermem_http_requests_total`)
	assert.Contains(t, body, `path="/status"`)
	assert.NotContains(t, body, `path="/metrics"`)
}

func TestRouter_NotFound(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	router := NewRouter(config.DefaultConfig(), logger.Nop(), h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/memory", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body["error"]["code"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHTTPServer_ServeAndShutdown(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"

	srv := NewHTTPServer(cfg, logger.Nop(), h)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(data), `"status":"ok"`))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
