package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goclaw/tiermem/config"
	"github.com/goclaw/tiermem/pkg/api"
	"github.com/goclaw/tiermem/pkg/api/handlers"
	"github.com/goclaw/tiermem/pkg/ciar"
	"github.com/goclaw/tiermem/pkg/logger"
	"github.com/goclaw/tiermem/pkg/memory"
	"github.com/goclaw/tiermem/pkg/metrics"
	"github.com/goclaw/tiermem/pkg/telemetry/tracing"
	"github.com/goclaw/tiermem/pkg/tier"
	"github.com/goclaw/tiermem/pkg/version"
)

// options holds the command line flags.
type options struct {
	configPath  string
	showVersion bool

	// CLI overrides
	appName  string
	port     int
	logLevel string
	backend  string
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	if opts.showVersion {
		printVersion(os.Stdout)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "tiermem: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, out io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("tiermem", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version information")
	fs.StringVar(&opts.appName, "app-name", "", "Override app name")
	fs.IntVar(&opts.port, "port", 0, "Override ops server port")
	fs.StringVar(&opts.logLevel, "log-level", "", "Override log level")
	fs.StringVar(&opts.backend, "storage-backend", "", "Override storage backend (memory or production)")
	fs.Usage = func() { printHelp(out, fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func buildOverrides(opts *options) map[string]interface{} {
	overrides := make(map[string]interface{})

	if opts.appName != "" {
		overrides["app.name"] = opts.appName
	}
	if opts.port != 0 {
		overrides["server.port"] = opts.port
	}
	if opts.logLevel != "" {
		overrides["log.level"] = opts.logLevel
	}
	if opts.backend != "" {
		overrides["storage.backend"] = opts.backend
	}

	return overrides
}

// run starts the memory hub and the ops server and blocks until ctx is
// cancelled or the server fails.
func run(ctx context.Context, opts *options) error {
	cfg, err := config.Load(opts.configPath, buildOverrides(opts))
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log := logger.New(&logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	defer log.Close()
	logger.SetGlobal(log)

	build := version.Current()
	log.Info("starting tiermem",
		"version", build.Version,
		"git_commit", build.GitCommit,
		"build_time", build.BuildTime,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
		"storage", cfg.Storage.Backend,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, build.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	m := metrics.NewManager(cfg.Metrics)
	scorer := ciar.New(cfg.CIAR)

	app, err := newApp(cfg, log, m, scorer)
	if err != nil {
		return err
	}
	defer app.hub.Close()

	startCtx, cancel := context.WithTimeout(ctx, cfg.Storage.OpTimeout)
	err = app.hub.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start memory hub: %w", err)
	}

	if cfg.Tiers.L3.ReconcileInterval > 0 {
		go reconcileLoop(ctx, app.hub.Tiers().L3, cfg.Tiers.L3.ReconcileInterval, cfg.Storage.OpTimeout, log)
	}

	if opts.configPath != "" {
		watcher, err := config.NewWatcher(opts.configPath, config.NewLoader(), config.WithWatcherLogger(log))
		if err != nil {
			log.Warn("config hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
			watcher.OnChange(hotReloader(cfg, log, scorer))
			go func() {
				if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("config watcher stopped", "error", err)
				}
			}()
		}
	}

	server := api.NewHTTPServer(cfg, log, &api.Handlers{
		Health:   handlers.NewHealthHandler(app.hub),
		Metrics:  m.Handler(),
		Recorder: m,
	})

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting ops server", "address", cfg.Server.Addr(), "metrics", cfg.Metrics.Path)
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		log.Error("ops server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down ops server", "error", err)
	}
	if err := app.hub.Stop(shutdownCtx); err != nil {
		log.Error("error stopping memory hub", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("error flushing traces", "error", err)
	}

	log.Info("tiermem stopped")
	return nil
}

// hotReloader applies the settings that can change without a restart.
func hotReloader(cfg *config.Config, log logger.Logger, scorer *ciar.Scorer) func(*config.Config) {
	current := config.ExtractHotReloadable(cfg)
	return func(next *config.Config) {
		hot := config.ExtractHotReloadable(next)
		if !current.Changed(hot) {
			return
		}
		if hot.LogLevel != current.LogLevel {
			log.SetLevel(logger.ParseLevel(hot.LogLevel))
		}
		if hot.CIARThreshold != current.CIARThreshold {
			if err := scorer.SetThreshold(hot.CIARThreshold); err != nil {
				log.Warn("rejected CIAR threshold", "threshold", hot.CIARThreshold, "error", err)
				hot.CIARThreshold = current.CIARThreshold
			}
		}
		log.Info("configuration reloaded", "log_level", hot.LogLevel, "ciar_threshold", hot.CIARThreshold)
		current = hot
	}
}

// reconcileLoop periodically removes episodes left on only one L3 backend.
func reconcileLoop(ctx context.Context, l3 *tier.EpisodicMemory, every, timeout time.Duration, log logger.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			res, err := l3.Reconcile(runCtx, "")
			cancel()
			if err != nil {
				log.Warn("episode reconcile failed", "error", err)
				continue
			}
			if res.VectorOrphans+res.GraphOrphans > 0 {
				log.Info("episode reconcile removed orphans",
					"checked", res.Checked,
					"vector_orphans", res.VectorOrphans,
					"graph_orphans", res.GraphOrphans,
					"skipped", res.Skipped,
				)
			}
		}
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, version.Current())
}

func printHelp(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "tiermem - Tiered memory engine for LLM agents\n\n")
	fmt.Fprintf(w, "Usage: tiermem [options]\n\n")
	fmt.Fprintf(w, "Options:\n")
	fs.PrintDefaults()
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  tiermem                                   # Run with default config\n")
	fmt.Fprintf(w, "  tiermem -config tiermem.yaml              # Use specific config file\n")
	fmt.Fprintf(w, "  tiermem -storage-backend production       # Use the production backends\n")
	fmt.Fprintf(w, "  tiermem -version                          # Print version info\n")
}

// app is the wired memory engine.
type app struct {
	hub *memory.MemoryHub
}
