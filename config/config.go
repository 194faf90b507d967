// Package config provides configuration management for tiermem.
package config

import (
	"fmt"
	"time"

	"github.com/goclaw/tiermem/pkg/ciar"
	"github.com/goclaw/tiermem/pkg/lifecycle"
	"github.com/goclaw/tiermem/pkg/llm"
	"github.com/goclaw/tiermem/pkg/llm/openai"
	"github.com/goclaw/tiermem/pkg/memory"
	"github.com/goclaw/tiermem/pkg/metrics"
	"github.com/goclaw/tiermem/pkg/telemetry/tracing"
	"github.com/goclaw/tiermem/pkg/tier"
)

// Config is the global configuration for tiermem.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the ops HTTP server (health and metrics).
	Server ServerConfig `mapstructure:"server"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage selects and configures the tier backends.
	Storage StorageConfig `mapstructure:"storage"`

	// CIAR is the significance scorer configuration.
	CIAR ciar.Config `mapstructure:"ciar"`

	Tiers     TiersConfig     `mapstructure:"tiers"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Query     QueryConfig     `mapstructure:"query"`
	LLM       LLMConfig       `mapstructure:"llm"`

	Metrics metrics.Config `mapstructure:"metrics"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the ops HTTP port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"min=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// TiersConfig holds per-tier settings. L4 has none.
type TiersConfig struct {
	L1 tier.ActiveContextConfig `mapstructure:"l1"`
	L2 tier.WorkingMemoryConfig `mapstructure:"l2"`
	L3 EpisodicConfig           `mapstructure:"l3"`
}

// EpisodicConfig holds L3 settings.
type EpisodicConfig struct {
	// ReconcileInterval is how often the vector/graph orphan sweep runs.
	// Zero disables it.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" validate:"min=0"`
	// ReconcileGrace skips one-sided episodes younger than this, leaving
	// room for dual writes still in flight on other instances.
	ReconcileGrace time.Duration `mapstructure:"reconcile_grace" validate:"min=0"`
}

// LifecycleConfig holds the engine and scheduler settings.
type LifecycleConfig struct {
	Promotion     lifecycle.PromotionConfig     `mapstructure:"promotion"`
	Consolidation lifecycle.ConsolidationConfig `mapstructure:"consolidation"`
	Distillation  lifecycle.DistillationConfig  `mapstructure:"distillation"`
	Scheduler     lifecycle.SchedulerConfig     `mapstructure:"scheduler"`
}

// QueryConfig holds cross-tier query and synthesis settings.
type QueryConfig struct {
	// Weights must sum to 1.0.
	Weights memory.Weights `mapstructure:"weights"`

	SynthesisTTL        time.Duration `mapstructure:"synthesis_ttl" validate:"min=0"`
	SynthesisCacheSize  int64         `mapstructure:"synthesis_cache_size" validate:"min=0"`
	SynthesisCandidates int           `mapstructure:"synthesis_candidates" validate:"min=0"`
	ContextFacts        int           `mapstructure:"context_facts" validate:"min=0"`
}

// LLMConfig holds text generation settings.
type LLMConfig struct {
	// Provider is "rules" for the offline generator only, or "openai" for
	// an OpenAI-compatible endpoint backed by the rules fallback.
	Provider string `mapstructure:"provider" validate:"oneof=rules openai"`

	OpenAI openai.Config `mapstructure:"openai"`

	// RateLimit is requests per second to the remote provider. Zero
	// disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
	Burst     int     `mapstructure:"burst" validate:"min=0"`

	Breaker llm.BreakerConfig `mapstructure:"breaker"`

	// EmbeddingDimension sizes the hashing embedder used when no remote
	// embedder is configured or it fails.
	EmbeddingDimension int `mapstructure:"embedding_dimension" validate:"min=0"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// MemoryConfig assembles the hub configuration.
func (c *Config) MemoryConfig() memory.Config {
	return memory.Config{
		Weights:             c.Query.Weights,
		SynthesisTTL:        c.Query.SynthesisTTL,
		SynthesisCacheSize:  c.Query.SynthesisCacheSize,
		SynthesisCandidates: c.Query.SynthesisCandidates,
		ContextFacts:        c.Query.ContextFacts,
		Promotion:           c.Lifecycle.Promotion,
		Consolidation:       c.Lifecycle.Consolidation,
		Distillation:        c.Lifecycle.Distillation,
		Scheduler:           c.Lifecycle.Scheduler,
	}
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s, LLM: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Backend, c.LLM.Provider)
}
