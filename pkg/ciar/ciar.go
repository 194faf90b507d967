// Package ciar implements the CIAR significance score:
//
//	CIAR = (certainty × impact) × age_decay(age_days) × recency_boost(access_count)
//
// with age_decay(a) = 2^(−λ·a) and recency_boost(n) = 1 + α·n. The result is
// clamped to [0, 1] and gates promotion of facts into working memory.
package ciar

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Defaults.
const (
	DefaultThreshold       = 0.6
	DefaultLambda          = 0.1
	DefaultAlpha           = 0.05
	DefaultMaxRecencyBoost = 2.0
)

// Config holds scorer parameters.
type Config struct {
	Threshold float64 `mapstructure:"threshold" validate:"gte=0,lte=1"`

	// Lambda is the age decay rate per day.
	Lambda float64 `mapstructure:"lambda" validate:"gte=0"`

	// Alpha is the recency boost per access.
	Alpha float64 `mapstructure:"alpha" validate:"gte=0"`

	// MaxRecencyBoost caps 1 + α·n. Zero disables the cap.
	MaxRecencyBoost float64 `mapstructure:"max_recency_boost" validate:"gte=0"`
}

// DefaultConfig returns the default scorer parameters.
func DefaultConfig() Config {
	return Config{
		Threshold:       DefaultThreshold,
		Lambda:          DefaultLambda,
		Alpha:           DefaultAlpha,
		MaxRecencyBoost: DefaultMaxRecencyBoost,
	}
}

// Input is the scoring input for one fact.
type Input struct {
	ID          string  `json:"id,omitempty"`
	Certainty   float64 `json:"certainty"`
	Impact      float64 `json:"impact"`
	AgeDays     float64 `json:"age_days"`
	AccessCount int     `json:"access_count"`
}

// Breakdown is a fully itemized score.
type Breakdown struct {
	Certainty    float64 `json:"certainty"`
	Impact       float64 `json:"impact"`
	Base         float64 `json:"base"`
	AgeDays      float64 `json:"age_days"`
	AgeDecay     float64 `json:"age_decay"`
	AccessCount  int     `json:"access_count"`
	RecencyBoost float64 `json:"recency_boost"`
	Score        float64 `json:"score"`
	Threshold    float64 `json:"threshold"`
	Passes       bool    `json:"passes"`
}

// ErrInvalidInput is returned for certainty or impact outside [0, 1].
var ErrInvalidInput = errors.New("ciar: certainty and impact must be within [0, 1]")

// Scorer computes CIAR scores. The threshold may be changed at runtime.
type Scorer struct {
	mu     sync.RWMutex
	config Config
}

// New creates a scorer. Zero-valued rates fall back to defaults.
func New(config Config) *Scorer {
	if config.Lambda == 0 {
		config.Lambda = DefaultLambda
	}
	if config.Alpha == 0 {
		config.Alpha = DefaultAlpha
	}
	return &Scorer{config: config}
}

// Config returns a copy of the current parameters.
func (s *Scorer) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Threshold returns the promotion threshold.
func (s *Scorer) Threshold() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Threshold
}

// SetThreshold replaces the promotion threshold.
func (s *Scorer) SetThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return fmt.Errorf("ciar: threshold %v outside [0, 1]", threshold)
	}
	s.mu.Lock()
	s.config.Threshold = threshold
	s.mu.Unlock()
	return nil
}

// AgeDecay returns 2^(−λ·age). Negative ages are clamped to zero.
func (s *Scorer) AgeDecay(ageDays float64) float64 {
	if ageDays < 0 || math.IsNaN(ageDays) {
		ageDays = 0
	}
	return math.Pow(2, -s.Config().Lambda*ageDays)
}

// RecencyBoost returns 1 + α·n, capped at MaxRecencyBoost when set.
func (s *Scorer) RecencyBoost(accessCount int) float64 {
	if accessCount < 0 {
		accessCount = 0
	}
	cfg := s.Config()
	boost := 1 + cfg.Alpha*float64(accessCount)
	if cfg.MaxRecencyBoost > 0 && boost > cfg.MaxRecencyBoost {
		boost = cfg.MaxRecencyBoost
	}
	return boost
}

// AgeDays converts a creation time into fractional days before now.
func AgeDays(created, now time.Time) float64 {
	if created.IsZero() {
		return 0
	}
	return now.Sub(created).Hours() / 24
}

func validUnit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}

// Calculate returns the full breakdown for one input.
func (s *Scorer) Calculate(in Input) (Breakdown, error) {
	if !validUnit(in.Certainty) || !validUnit(in.Impact) {
		return Breakdown{}, fmt.Errorf("%w: certainty=%v impact=%v", ErrInvalidInput, in.Certainty, in.Impact)
	}
	b := Breakdown{
		Certainty:    in.Certainty,
		Impact:       in.Impact,
		Base:         in.Certainty * in.Impact,
		AgeDays:      math.Max(in.AgeDays, 0),
		AgeDecay:     s.AgeDecay(in.AgeDays),
		AccessCount:  in.AccessCount,
		RecencyBoost: s.RecencyBoost(in.AccessCount),
		Threshold:    s.Threshold(),
	}
	b.Score = clamp(b.Base * b.AgeDecay * b.RecencyBoost)
	b.Passes = b.Score >= b.Threshold
	return b, nil
}

// Score returns the clamped CIAR score, treating invalid components as
// clamped to [0, 1].
func (s *Scorer) Score(in Input) float64 {
	in.Certainty = clamp(in.Certainty)
	in.Impact = clamp(in.Impact)
	b, _ := s.Calculate(in)
	return b.Score
}

// Passes reports whether score meets the threshold.
func (s *Scorer) Passes(score float64) bool {
	return score >= s.Threshold()
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Scored pairs an input with its breakdown.
type Scored struct {
	Input     Input     `json:"input"`
	Breakdown Breakdown `json:"breakdown"`
}

// FilterResult is the outcome of a batch threshold filter.
type FilterResult struct {
	Passed    []Scored `json:"passed"`
	Rejected  []Scored `json:"rejected"`
	Invalid   []string `json:"invalid,omitempty"`
	Threshold float64  `json:"threshold"`
	PassRate  float64  `json:"pass_rate"`
}

// Filter scores a batch and splits it at threshold. A non-positive
// threshold uses the scorer's configured threshold.
func (s *Scorer) Filter(inputs []Input, threshold float64) FilterResult {
	if threshold <= 0 {
		threshold = s.Threshold()
	}
	res := FilterResult{
		Passed:    make([]Scored, 0, len(inputs)),
		Threshold: threshold,
	}
	for _, in := range inputs {
		b, err := s.Calculate(in)
		if err != nil {
			res.Invalid = append(res.Invalid, in.ID)
			continue
		}
		b.Threshold = threshold
		b.Passes = b.Score >= threshold
		if b.Passes {
			res.Passed = append(res.Passed, Scored{Input: in, Breakdown: b})
		} else {
			res.Rejected = append(res.Rejected, Scored{Input: in, Breakdown: b})
		}
	}
	if len(inputs) > 0 {
		res.PassRate = float64(len(res.Passed)) / float64(len(inputs))
	}
	return res
}
