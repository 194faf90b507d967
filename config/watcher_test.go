package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, level string, threshold string) {
	t.Helper()
	content := "app:\n  name: watch-test\nlog:\n  level: " + level + "\nciar:\n  threshold: " + threshold + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestNewWatcher(t *testing.T) {
	t.Run("requires a path", func(t *testing.T) {
		if _, err := NewWatcher("", NewLoader()); err == nil {
			t.Error("expected error for empty path")
		}
	})

	t.Run("applies options", func(t *testing.T) {
		w, err := NewWatcher("tiermem.yaml", nil, WithDebounce(10*time.Millisecond))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Stop()

		if w.debounce != 10*time.Millisecond {
			t.Errorf("expected debounce 10ms, got %v", w.debounce)
		}
		if w.loader == nil {
			t.Error("expected a default loader")
		}
		if w.ConfigPath() != "tiermem.yaml" {
			t.Errorf("unexpected config path %s", w.ConfigPath())
		}
	})
}

func TestWatcher_Watch(t *testing.T) {
	t.Run("reloads on change", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "tiermem.yaml")
		writeConfig(t, configPath, "info", "0.6")

		watcher, err := NewWatcher(configPath, NewLoader(), WithDebounce(50*time.Millisecond))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		received := make(chan *Config, 4)
		watcher.OnChange(func(cfg *Config) { received <- cfg })

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		go func() { _ = watcher.Watch(ctx) }()

		deadline := time.Now().Add(time.Second)
		for !watcher.IsRunning() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(50 * time.Millisecond)

		writeConfig(t, configPath, "debug", "0.8")

		select {
		case cfg := <-received:
			if cfg.Log.Level != "debug" {
				t.Errorf("expected log level 'debug', got '%s'", cfg.Log.Level)
			}
			if cfg.CIAR.Threshold != 0.8 {
				t.Errorf("expected threshold 0.8, got %v", cfg.CIAR.Threshold)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("expected callback after config change")
		}
	})

	t.Run("invalid reload keeps callbacks quiet", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "tiermem.yaml")
		writeConfig(t, configPath, "info", "0.6")

		watcher, err := NewWatcher(configPath, NewLoader(), WithDebounce(20*time.Millisecond))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		var mu sync.Mutex
		calls := 0
		watcher.OnChange(func(*Config) {
			mu.Lock()
			calls++
			mu.Unlock()
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		go func() { _ = watcher.Watch(ctx) }()
		time.Sleep(100 * time.Millisecond)

		writeConfig(t, configPath, "info", "1.5")
		time.Sleep(300 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if calls != 0 {
			t.Errorf("expected no callbacks for an invalid config, got %d", calls)
		}
	})

	t.Run("stops on context cancel", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "tiermem.yaml")
		writeConfig(t, configPath, "info", "0.6")

		watcher, err := NewWatcher(configPath, NewLoader())
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- watcher.Watch(ctx) }()

		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("watcher did not stop on cancel")
		}
	})
}

func TestWatcher_Stop(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "tiermem.yaml")
	writeConfig(t, configPath, "info", "0.6")

	watcher, err := NewWatcher(configPath, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- watcher.Watch(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	if err := watcher.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := watcher.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil after Stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_NonExistentFile(t *testing.T) {
	watcher, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := watcher.Watch(context.Background()); err == nil {
		t.Error("expected error when watching non-existent file")
	}
}

func TestHotReloadableConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.CIAR.Threshold = 0.7

	hot := ExtractHotReloadable(cfg)
	if hot.LogLevel != "debug" || hot.CIARThreshold != 0.7 {
		t.Errorf("unexpected hot config %+v", hot)
	}

	if hot.Changed(hot) {
		t.Error("identical configs should not be changed")
	}
	other := hot
	other.CIARThreshold = 0.65
	if !hot.Changed(other) {
		t.Error("expected threshold change to be detected")
	}
}
