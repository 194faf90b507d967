package llm

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/goclaw/tiermem/pkg/index"
	"github.com/goclaw/tiermem/pkg/logger"
)

// Embedder produces dense vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// HashEmbedder is a deterministic feature-hashing embedder. Texts sharing
// terms get a positive cosine similarity, which is enough for clustering and
// similarity search when no model is available.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates an embedder of the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

// Embed implements Embedder.
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dim)
	for _, tok := range index.Tokenize(text) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		v[(sum>>1)%uint64(h.dim)] += sign
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// FallbackEmbedder uses primary and falls back to a hash embedder of the
// same dimension on failure.
type FallbackEmbedder struct {
	primary  Embedder
	fallback *HashEmbedder
	logger   logger.Logger
}

// NewFallbackEmbedder wraps primary. A nil primary always uses hashing.
func NewFallbackEmbedder(primary Embedder, dim int, log logger.Logger) *FallbackEmbedder {
	if primary != nil {
		dim = primary.Dimension()
	}
	return &FallbackEmbedder{
		primary:  primary,
		fallback: NewHashEmbedder(dim),
		logger:   logger.Named(log, "embedder"),
	}
}

func (f *FallbackEmbedder) Dimension() int { return f.fallback.Dimension() }

// Embed implements Embedder.
func (f *FallbackEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.primary != nil {
		vecs, err := f.primary.Embed(ctx, texts)
		if err == nil && len(vecs) == len(texts) {
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.WarnContext(ctx, "embedding provider failed, using hash embeddings", "error", err)
	}
	return f.fallback.Embed(ctx, texts)
}
