package main

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goclaw/tiermem/config"
	"github.com/goclaw/tiermem/pkg/ciar"
	"github.com/goclaw/tiermem/pkg/llm"
	"github.com/goclaw/tiermem/pkg/llm/openai"
	"github.com/goclaw/tiermem/pkg/logger"
	"github.com/goclaw/tiermem/pkg/memory"
	"github.com/goclaw/tiermem/pkg/metrics"
	"github.com/goclaw/tiermem/pkg/storage"
	"github.com/goclaw/tiermem/pkg/storage/badger"
	storemem "github.com/goclaw/tiermem/pkg/storage/memory"
	"github.com/goclaw/tiermem/pkg/storage/neo4j"
	"github.com/goclaw/tiermem/pkg/storage/postgres"
	"github.com/goclaw/tiermem/pkg/storage/qdrant"
	"github.com/goclaw/tiermem/pkg/storage/redis"
	"github.com/goclaw/tiermem/pkg/tier"
)

// backendSet holds the adapters behind the four tiers.
type backendSet struct {
	turns     tier.ListAdapter
	archive   storage.Adapter
	workspace tier.VersionedAdapter
	facts     storage.Adapter
	vectors   storage.Adapter
	graph     tier.GraphAdapter
	knowledge storage.Adapter
}

// collectors returns the per-adapter Prometheus collectors.
func (b *backendSet) collectors() []prometheus.Collector {
	var out []prometheus.Collector
	for _, a := range []storage.Adapter{b.turns, b.archive, b.workspace, b.facts, b.vectors, b.graph, b.knowledge} {
		if c, ok := a.(interface{ Collector() *storage.Collector }); ok {
			out = append(out, c.Collector())
		}
	}
	return out
}

// newApp wires the backends, tiers, LLM providers and hub from cfg.
func newApp(cfg *config.Config, log logger.Logger, m *metrics.Manager, scorer *ciar.Scorer) (*app, error) {
	backends, err := newBackends(cfg.Storage)
	if err != nil {
		return nil, err
	}
	for _, c := range backends.collectors() {
		if err := m.Register(c); err != nil {
			return nil, fmt.Errorf("register adapter metrics: %w", err)
		}
	}

	tierOpts := func(name string) []tier.Option {
		return []tier.Option{tier.WithLogger(logger.Named(log, name)), tier.WithObserver(m)}
	}
	tiers := memory.Tiers{
		L1: tier.NewActiveContext(backends.turns, backends.archive, backends.workspace, cfg.Tiers.L1, tierOpts("l1")...),
		L2: tier.NewWorkingMemory(backends.facts, scorer, cfg.Tiers.L2, tierOpts("l2")...),
		L3: tier.NewEpisodicMemory(backends.vectors, backends.graph, tier.EpisodicMemoryConfig{ReconcileGrace: cfg.Tiers.L3.ReconcileGrace}, tierOpts("l3")...),
		L4: tier.NewSemanticMemory(backends.knowledge, tierOpts("l4")...),
	}

	gen, emb := newLLM(cfg.LLM, log)
	hub, err := memory.NewMemoryHub(tiers, cfg.MemoryConfig(),
		memory.WithLogger(log),
		memory.WithGenerator(gen),
		memory.WithEmbedder(emb),
		memory.WithEngineObserver(m),
	)
	if err != nil {
		return nil, fmt.Errorf("create memory hub: %w", err)
	}
	return &app{hub: hub}, nil
}

// newBackends builds the adapters for the configured backend. The memory
// backend keeps everything in process. Production puts the L1 window on
// Redis, its archive and workspace plus L4 on Badger, L2 on PostgreSQL and
// L3 on Qdrant and Neo4j.
func newBackends(cfg config.StorageConfig) (*backendSet, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		turns := storemem.New("l1-turns")
		archive := storemem.New("l1-archive")
		workspace := storemem.New("l1-workspace")
		facts := storemem.New("l2-facts")
		vectors := storemem.New("l3-vectors")
		graph := storemem.New("l3-graph")
		knowledge := storemem.New("l4-knowledge")
		return &backendSet{
			turns: turns, archive: archive, workspace: workspace,
			facts: facts, vectors: vectors, graph: graph, knowledge: knowledge,
		}, nil

	case config.BackendProduction:
		turns := redis.Dial("l1-turns", cfg.Redis.ToRedisConfig())
		archive := badger.New("l1-archive", cfg.Badger.ToBadgerConfig(filepath.Join(cfg.Badger.Path, "l1-archive")))
		workspace := badger.New("l1-workspace", cfg.Badger.ToBadgerConfig(filepath.Join(cfg.Badger.Path, "l1-workspace")))
		facts := postgres.New("l2-facts", cfg.Postgres.ToPostgresConfig())
		vectors := qdrant.New("l3-vectors", cfg.Qdrant.ToQdrantConfig())
		graph := neo4j.New("l3-graph", cfg.Neo4j.ToNeo4jConfig())
		knowledge := badger.New("l4-knowledge", cfg.Badger.ToBadgerConfig(filepath.Join(cfg.Badger.Path, "l4-knowledge")))
		return &backendSet{
			turns: turns, archive: archive, workspace: workspace,
			facts: facts, vectors: vectors, graph: graph, knowledge: knowledge,
		}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// newLLM returns the generator and embedder. The rules generator always
// sits at the end of the chain so lifecycle engines keep working offline.
func newLLM(cfg config.LLMConfig, log logger.Logger) (llm.Generator, llm.Embedder) {
	if cfg.Provider != "openai" {
		return llm.NewRules(), llm.NewHashEmbedder(cfg.EmbeddingDimension)
	}
	provider := openai.New(cfg.OpenAI)
	gen := llm.NewChain(cfg.Breaker, log,
		llm.NewLimited(provider, cfg.RateLimit, cfg.Burst),
		llm.NewRules(),
	)
	return gen, llm.NewFallbackEmbedder(provider, cfg.EmbeddingDimension, log)
}
