package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goclaw/tiermem/pkg/tier"
)

// Context formats.
const (
	FormatStructured = "structured"
	FormatPrompt     = "prompt"
)

// ContextOptions shape GetContext.
type ContextOptions struct {
	// Format is FormatStructured (default) or FormatPrompt.
	Format string

	// MaxFacts caps the facts included; zero uses the hub default.
	MaxFacts int

	// MinCIAR drops facts scored below it.
	MinCIAR float64
}

// Context is the assembled working context of a session.
type Context struct {
	SessionID string          `json:"session_id"`
	Turns     []tier.Turn     `json:"turns"`
	Facts     []tier.Fact     `json:"facts"`
	Workspace *tier.Workspace `json:"workspace,omitempty"`

	// Prompt is set for FormatPrompt.
	Prompt string `json:"prompt,omitempty"`

	// TokenEstimate approximates the prompt size at four characters per
	// token.
	TokenEstimate int       `json:"token_estimate"`
	AssembledAt   time.Time `json:"assembled_at"`
}

// GetContext returns the session's recent turns in chronological order and
// its most significant facts, highest CIAR first. Facts are peeked, not
// reinforced.
func (h *MemoryHub) GetContext(ctx context.Context, sessionID string, opts ContextOptions) (*Context, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}
	switch opts.Format {
	case "":
		opts.Format = FormatStructured
	case FormatStructured, FormatPrompt:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, opts.Format)
	}
	if opts.MaxFacts <= 0 {
		opts.MaxFacts = h.cfg.ContextFacts
	}

	ctx, span := h.tracer.Start(ctx, "memory.get_context")
	defer span.End()

	turns, err := h.tiers.L1.Retrieve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	facts, err := h.tiers.L2.Query(ctx, tier.FactQuery{
		SessionID: sessionID,
		MinCIAR:   opts.MinCIAR,
		Limit:     opts.MaxFacts,
	})
	if err != nil {
		return nil, err
	}
	ws, err := h.tiers.L1.GetWorkspace(ctx, sessionID)
	if err != nil && !errors.Is(err, tier.ErrNoWorkspace) {
		return nil, err
	}
	if ws != nil && len(ws.Data) == 0 {
		ws = nil
	}

	out := &Context{
		SessionID:   sessionID,
		Turns:       turns,
		Facts:       facts,
		Workspace:   ws,
		AssembledAt: h.now(),
	}
	prompt := renderPrompt(out)
	out.TokenEstimate = EstimateTokens(prompt)
	if opts.Format == FormatPrompt {
		out.Prompt = prompt
	}
	return out, nil
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}

func renderPrompt(c *Context) string {
	var b strings.Builder
	if len(c.Facts) > 0 {
		b.WriteString("## Key facts\n")
		for _, f := range c.Facts {
			fmt.Fprintf(&b, "- [%s %.2f] %s\n", f.FactType, f.CIARScore, f.Content)
		}
	}
	if c.Workspace != nil {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("## Workspace\n")
		keys := make([]string, 0, len(c.Workspace.Data))
		for k := range c.Workspace.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, c.Workspace.Data[k])
		}
	}
	if len(c.Turns) > 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("## Recent conversation\n")
		for _, t := range c.Turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}
	return b.String()
}
