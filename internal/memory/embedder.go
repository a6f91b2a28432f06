package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/conciergelab/concierge/internal/llm"
)

// embedCacheSize bounds the embedding memo. Tool descriptions and repeated
// queries dominate, so a small cache captures most of the traffic.
const embedCacheSize = 2048

// Embedder wraps the gateway embedding endpoint with an LRU memo so the same
// text is never embedded twice within the TTL.
type Embedder struct {
	provider llm.EmbeddingProvider
	model    string
	cache    *expirable.LRU[string, []float32]
}

// NewEmbedder creates an Embedder for the given provider and model name.
func NewEmbedder(provider llm.EmbeddingProvider, model string, ttl time.Duration) *Embedder {
	return &Embedder{
		provider: provider,
		model:    model,
		cache:    expirable.NewLRU[string, []float32](embedCacheSize, nil, ttl),
	}
}

// cacheKey hashes model and text together so a model swap never serves stale
// vectors.
func (e *Embedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(e.model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the embedding vector for text, consulting the memo first.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.cacheKey(text)
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}
	v, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("memory: embed: %w", err)
	}
	if zeroVector(v) {
		return nil, fmt.Errorf("memory: embed: gateway returned a zero vector")
	}
	e.cache.Add(key, v)
	return v, nil
}

// zeroVector reports whether v carries no signal. An all-zero vector cosines
// to 0 against everything, so indexing it would silently bury the entry.
func zeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// ProbeDimension embeds a fixed probe string and returns the vector length.
// Called once at startup so a misconfigured embedding model fails loudly
// instead of poisoning the index.
func (e *Embedder) ProbeDimension(ctx context.Context) (int, error) {
	v, err := e.Embed(ctx, "dimension probe")
	if err != nil {
		return 0, err
	}
	return len(v), nil
}
