package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited wraps a Generator with a token-bucket rate limit.
type Limited struct {
	gen     Generator
	limiter *rate.Limiter
}

// NewLimited allows perSecond requests with the given burst. A non-positive
// rate disables limiting.
func NewLimited(gen Generator, perSecond float64, burst int) *Limited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{gen: gen, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Name() string { return l.gen.Name() }

// Generate waits for a token, then delegates.
func (l *Limited) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.gen.Generate(ctx, req)
}
