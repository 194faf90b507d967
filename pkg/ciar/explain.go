package ciar

import (
	"fmt"
	"strings"
)

// Significance bands used by Explain.
const (
	BandHigh   = "high"
	BandMedium = "medium"
	BandLow    = "low"
)

// Explanation is a human-readable breakdown with a tier recommendation.
type Explanation struct {
	Breakdown      Breakdown `json:"breakdown"`
	Band           string    `json:"band"`
	Recommendation string    `json:"recommendation"`
	Text           string    `json:"text"`
}

// Explain scores in and describes each factor.
func (s *Scorer) Explain(in Input) (Explanation, error) {
	b, err := s.Calculate(in)
	if err != nil {
		return Explanation{}, err
	}

	e := Explanation{Breakdown: b}
	switch {
	case b.Score >= 0.8:
		e.Band = BandHigh
		e.Recommendation = "L2: promote to working memory; strong consolidation candidate"
	case b.Passes:
		e.Band = BandMedium
		e.Recommendation = "L2: promote to working memory"
	default:
		e.Band = BandLow
		e.Recommendation = "L1: keep in active context only; do not promote"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "CIAR score %.3f (%s significance, threshold %.2f).\n", b.Score, e.Band, b.Threshold)
	fmt.Fprintf(&sb, "Base: certainty %.2f x impact %.2f = %.3f.\n", b.Certainty, b.Impact, b.Base)
	fmt.Fprintf(&sb, "Age decay: %.1f days old -> x%.3f.\n", b.AgeDays, b.AgeDecay)
	fmt.Fprintf(&sb, "Recency boost: %d accesses -> x%.3f.\n", b.AccessCount, b.RecencyBoost)
	fmt.Fprintf(&sb, "Recommendation: %s.", e.Recommendation)
	e.Text = sb.String()
	return e, nil
}
