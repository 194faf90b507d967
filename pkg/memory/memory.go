// Package memory is the unified facade over the four memory tiers and the
// lifecycle engines that move information between them. Agents talk to a
// Hub: they append turns, ask for context, query across tiers and trigger
// or schedule promotion, consolidation and distillation.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/goclaw/tiermem/pkg/lifecycle"
	"github.com/goclaw/tiermem/pkg/storage"
	"github.com/goclaw/tiermem/pkg/tier"
)

// Sentinel errors for the memory facade.
var (
	ErrInvalidSessionID = errors.New("memory: invalid session ID")
	ErrInvalidQuery     = errors.New("memory: invalid query (no text)")
	ErrInvalidFormat    = errors.New("memory: unknown context format")
	ErrInvalidWeights   = errors.New("memory: tier weights must be non-negative and sum to 1.0")
)

// Hub is the agent-facing API of the memory system.
type Hub interface {
	// AddTurn appends a conversational turn to L1 and returns its id.
	AddTurn(ctx context.Context, sessionID, role, content string, metadata map[string]string) (string, error)

	// EndSession flushes a session through promotion and consolidation.
	EndSession(ctx context.Context, sessionID string) (*SessionReport, error)

	// Query searches L2, L3 and L4 and merges the hits by tier weight.
	Query(ctx context.Context, q Query) ([]Result, error)

	// GetContext assembles recent turns and significant facts for a prompt.
	GetContext(ctx context.Context, sessionID string, opts ContextOptions) (*Context, error)

	// Synthesize answers a knowledge query from L4, surfacing conflicts.
	Synthesize(ctx context.Context, q SynthesisQuery) (*Synthesis, error)

	RunPromotionCycle(ctx context.Context, sessionID string) (*lifecycle.PromotionResult, error)
	RunConsolidationCycle(ctx context.Context, sessionID string) (*lifecycle.ConsolidationResult, error)
	RunDistillationCycle(ctx context.Context, req lifecycle.DistillationRequest) (*lifecycle.DistillationResult, error)

	// HealthCheck aggregates tier and engine health. It never fails.
	HealthCheck(ctx context.Context) Health

	// Start initializes the tiers and starts background processing.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the memory system.
	Stop(ctx context.Context) error
}

// Query is a cross-tier search.
type Query struct {
	SessionID string
	Text      string
	Limit     int

	// Tiers restricts the search; empty means every weighted tier.
	Tiers []tier.ID
}

// Result is one merged cross-tier hit.
type Result struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Tier     tier.ID        `json:"tier"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SessionReport is the outcome of EndSession.
type SessionReport struct {
	SessionID     string                         `json:"session_id"`
	Promotion     *lifecycle.PromotionResult     `json:"promotion,omitempty"`
	Consolidation *lifecycle.ConsolidationResult `json:"consolidation,omitempty"`
	Distillation  *lifecycle.DistillationResult  `json:"distillation,omitempty"`
}

// Health is the aggregated facade health.
type Health struct {
	Status    storage.Status              `json:"status"`
	Tiers     map[tier.ID]tier.Health     `json:"tiers"`
	Engines   map[string]lifecycle.Health `json:"engines"`
	CheckedAt time.Time                   `json:"checked_at"`
}
