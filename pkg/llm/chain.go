package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/goclaw/tiermem/pkg/logger"
)

type link struct {
	gen     Generator
	breaker *Breaker
}

// Chain tries generators in order, skipping those whose circuit is open.
// A Chain is itself a Generator.
type Chain struct {
	links  []link
	logger logger.Logger
}

// NewChain builds a chain with one breaker per generator.
func NewChain(config BreakerConfig, log logger.Logger, gens ...Generator) *Chain {
	c := &Chain{logger: logger.Named(log, "llm")}
	for _, g := range gens {
		if g == nil {
			continue
		}
		c.links = append(c.links, link{gen: g, breaker: NewBreaker(config)})
	}
	return c
}

func (c *Chain) Name() string { return "chain" }

// Generate returns the first successful response.
func (c *Chain) Generate(ctx context.Context, req Request) (*Response, error) {
	var errs []error
	for _, l := range c.links {
		if err := l.breaker.Allow(l.gen.Name()); err != nil {
			errs = append(errs, err)
			continue
		}
		resp, err := l.gen.Generate(ctx, req)
		if err == nil {
			l.breaker.RecordSuccess()
			if resp.Provider == "" {
				resp.Provider = l.gen.Name()
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.breaker.RecordFailure(err)
		c.logger.WarnContext(ctx, "generator failed",
			"provider", l.gen.Name(),
			"task", req.Task,
			"state", l.breaker.State(),
			"error", err)
		errs = append(errs, fmt.Errorf("%s: %w", l.gen.Name(), err))
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}

// States reports each provider's circuit state.
func (c *Chain) States() map[string]string {
	out := make(map[string]string, len(c.links))
	for _, l := range c.links {
		out[l.gen.Name()] = l.breaker.State().String()
	}
	return out
}
