package logger

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{" error ", ErrorLevel},
		{"verbose", InfoLevel},
		{"", InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

// lines reads the JSON log lines written to path.
func lines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry), sc.Text())
		out = append(out, entry)
	}
	require.NoError(t, sc.Err())
	return out
}

func fileLogger(t *testing.T, level Level) (Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiermem.log")
	log := New(&Config{Level: level, Format: "json", Output: path})
	t.Cleanup(func() { _ = log.Close() })
	return log, path
}

func TestLogger_LevelChangesInPlace(t *testing.T) {
	log, path := fileLogger(t, InfoLevel)
	named := Named(log, "promotion")

	named.Debug("hidden")
	log.SetLevel(DebugLevel)
	assert.Equal(t, DebugLevel, named.GetLevel(), "derived loggers share the level")
	named.Debug("shown", "fact_id", "f1")

	entries := lines(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0]["msg"])
	assert.Equal(t, "promotion", entries[0]["component"])
	assert.Equal(t, "f1", entries[0]["fact_id"])
}

func TestLogger_StampsTraceIDs(t *testing.T) {
	log, path := fileLogger(t, InfoLevel)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	Named(log, "hub").InfoContext(ctx, "traced")
	log.InfoContext(context.Background(), "untraced")

	entries := lines(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, sc.TraceID().String(), entries[0]["trace_id"])
	assert.Equal(t, sc.SpanID().String(), entries[0]["span_id"])
	assert.Equal(t, "hub", entries[0]["component"])
	assert.NotContains(t, entries[1], "trace_id")
}

func TestLogger_Close(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiermem.log")
	log := New(&Config{Level: InfoLevel, Format: "text", Output: path})
	log.Info("written")
	assert.NoError(t, log.With("component", "api").Close(), "derived logger owns no file")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=written")

	for _, out := range []string{"stdout", "stderr", "", filepath.Join(t.TempDir(), "missing", "x.log")} {
		assert.NoError(t, New(&Config{Output: out}).Close(), out)
	}
	assert.NoError(t, New(nil).Close())
}

func TestGlobal(t *testing.T) {
	prev := Global()
	require.NotNil(t, prev)
	prevDefault := slog.Default()
	t.Cleanup(func() {
		SetGlobal(prev)
		slog.SetDefault(prevDefault)
	})

	log, path := fileLogger(t, InfoLevel)
	SetGlobal(log)
	assert.Same(t, log, Global())

	SetGlobal(nil)
	assert.Same(t, log, Global(), "nil is ignored")

	Named(nil, "tracing").Warn("export failed")
	slog.Info("through slog default")

	entries := lines(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "tracing", entries[0]["component"])
	assert.Equal(t, "through slog default", entries[1]["msg"])
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Error("discarded")
	assert.Equal(t, InfoLevel, log.GetLevel())
	assert.NoError(t, log.Close())
}
