package tracing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type mockExporter struct {
	mu             sync.Mutex
	err            error
	exportCalls    int
	shutdownCalled bool
}

func (m *mockExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exportCalls++
	return m.err
}

func (m *mockExporter) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownCalled = true
	return nil
}

func stubExporter(t *testing.T, exp sdktrace.SpanExporter) *bool {
	t.Helper()
	orig := newOTLPExporter
	t.Cleanup(func() { newOTLPExporter = orig })
	called := false
	newOTLPExporter = func(context.Context, Config) (sdktrace.SpanExporter, error) {
		called = true
		return exp, nil
	}
	return &called
}

func enabled() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Sampler = SamplerAlwaysOn
	return cfg
}

func TestInitDisabledDoesNotCreateExporter(t *testing.T) {
	called := stubExporter(t, &mockExporter{})

	shutdown, err := Init(context.Background(), Config{}, "tiermem", "test")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if *called {
		t.Fatal("expected exporter factory not to be called when tracing is disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestInitEnabledValidates(t *testing.T) {
	cfg := enabled()
	cfg.Endpoint = "  "
	if _, err := Init(context.Background(), cfg, "tiermem", "test"); err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Fatalf("expected endpoint error, got %v", err)
	}

	cfg = enabled()
	cfg.Timeout = 0
	if _, err := Init(context.Background(), cfg, "tiermem", "test"); err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestInitEnabledSuccessAndShutdown(t *testing.T) {
	exp := &mockExporter{}
	stubExporter(t, exp)

	cfg := enabled()
	cfg.Endpoint = "http://localhost:4317/v1/traces"
	shutdown, err := Init(context.Background(), cfg, "tiermem", "test")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, span := otel.Tracer("tiermem.lifecycle").Start(context.Background(), "lifecycle.promotion")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if !exp.shutdownCalled {
		t.Fatal("expected exporter shutdown to be called")
	}
	if exp.exportCalls == 0 {
		t.Fatal("expected the span to be exported on flush")
	}
}

func TestInitEnabled_ExporterFailureIsIsolated(t *testing.T) {
	exp := &mockExporter{err: errors.New("collector unavailable")}
	stubExporter(t, exp)

	origReporter := reportExporterFailure
	t.Cleanup(func() { reportExporterFailure = origReporter })
	reported := 0
	reportExporterFailure = func(err error, endpoint string, spanCount int) {
		reported++
		if err == nil || endpoint == "" || spanCount <= 0 {
			t.Errorf("incomplete failure report: err=%v endpoint=%q spans=%d", err, endpoint, spanCount)
		}
	}

	shutdown, err := Init(context.Background(), enabled(), "tiermem", "test")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "memory.query")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() should not fail on export failure: %v", err)
	}
	if reported == 0 {
		t.Fatal("expected exporter failure to be reported")
	}
}

func TestSelectSampler(t *testing.T) {
	cases := map[string]string{
		SamplerAlwaysOn:   "AlwaysOnSampler",
		SamplerAlwaysOff:  "AlwaysOffSampler",
		SamplerParentRate: "ParentBased",
		"":                "ParentBased",
	}
	for sampler, want := range cases {
		got := selectSampler(Config{Sampler: sampler, SampleRate: 0.25}).Description()
		if !strings.Contains(got, want) {
			t.Errorf("selectSampler(%q) = %s, want %s", sampler, got, want)
		}
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	for in, want := range map[string]string{
		"localhost:4317":                  "localhost:4317",
		"http://localhost:4317/v1/traces": "localhost:4317",
		" otel:4317 ":                     "otel:4317",
		"":                                "",
	} {
		if got := normalizeEndpoint(in); got != want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}
