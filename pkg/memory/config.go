package memory

import (
	"fmt"
	"math"
	"time"

	"github.com/goclaw/tiermem/pkg/lifecycle"
	"github.com/goclaw/tiermem/pkg/tier"
)

// Weights are the per-tier weights of cross-tier queries.
type Weights struct {
	L2 float64 `mapstructure:"l2" validate:"min=0,max=1"`
	L3 float64 `mapstructure:"l3" validate:"min=0,max=1"`
	L4 float64 `mapstructure:"l4" validate:"min=0,max=1"`
}

// DefaultWeights favor working memory.
func DefaultWeights() Weights {
	return Weights{L2: 0.5, L3: 0.3, L4: 0.2}
}

// Sum returns the total weight.
func (w Weights) Sum() float64 { return w.L2 + w.L3 + w.L4 }

// Validate rejects negative weights and sums other than 1.0.
func (w Weights) Validate() error {
	for _, v := range []float64{w.L2, w.L3, w.L4} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: got %+v", ErrInvalidWeights, w)
		}
	}
	if math.Abs(w.Sum()-1) > 1e-6 {
		return fmt.Errorf("%w: got sum %.4f", ErrInvalidWeights, w.Sum())
	}
	return nil
}

// Of returns the weight of a tier.
func (w Weights) Of(id tier.ID) float64 {
	switch id {
	case tier.L2:
		return w.L2
	case tier.L3:
		return w.L3
	case tier.L4:
		return w.L4
	}
	return 0
}

// Config configures the hub.
type Config struct {
	Weights Weights `mapstructure:"weights"`

	// SynthesisTTL bounds how long a synthesized answer is reused.
	SynthesisTTL time.Duration `mapstructure:"synthesis_ttl" validate:"min=0"`

	// SynthesisCacheSize is the maximum number of cached answers.
	SynthesisCacheSize int64 `mapstructure:"synthesis_cache_size" validate:"min=0"`

	// SynthesisCandidates bounds the metadata-filtered set that is ranked
	// by text.
	SynthesisCandidates int `mapstructure:"synthesis_candidates" validate:"min=0"`

	// ContextFacts is the number of facts GetContext includes by default.
	ContextFacts int `mapstructure:"context_facts" validate:"min=0"`

	Promotion     lifecycle.PromotionConfig     `mapstructure:"promotion"`
	Consolidation lifecycle.ConsolidationConfig `mapstructure:"consolidation"`
	Distillation  lifecycle.DistillationConfig  `mapstructure:"distillation"`
	Scheduler     lifecycle.SchedulerConfig     `mapstructure:"scheduler"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Weights:             DefaultWeights(),
		SynthesisTTL:        time.Hour,
		SynthesisCacheSize:  1000,
		SynthesisCandidates: 200,
		ContextFacts:        10,
		Promotion:           lifecycle.DefaultPromotionConfig(),
		Consolidation:       lifecycle.DefaultConsolidationConfig(),
		Distillation:        lifecycle.DefaultDistillationConfig(),
		Scheduler:           lifecycle.DefaultSchedulerConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.SynthesisTTL <= 0 {
		c.SynthesisTTL = def.SynthesisTTL
	}
	if c.SynthesisCacheSize <= 0 {
		c.SynthesisCacheSize = def.SynthesisCacheSize
	}
	if c.SynthesisCandidates <= 0 {
		c.SynthesisCandidates = def.SynthesisCandidates
	}
	if c.ContextFacts <= 0 {
		c.ContextFacts = def.ContextFacts
	}
}
