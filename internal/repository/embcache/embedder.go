package embcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/modelmux/internal/domain"
	"github.com/kailas-cloud/modelmux/internal/metrics"
)

// Cache is one storage layer of the embedding cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32) error
}

// Layer names a cache for metrics.
type Layer struct {
	Name  string
	Cache Cache
}

// CachedEmbedder serves embeddings from cache layers, checked in order,
// and falls through to the inner embedder on a full miss.
// Concurrent misses for the same text share one provider call.
type CachedEmbedder struct {
	inner  domain.Embedder
	layers []Layer
	group  singleflight.Group
	logger *zap.Logger
}

// New creates a caching decorator.
func New(inner domain.Embedder, logger *zap.Logger, layers ...Layer) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, layers: layers, logger: logger}
}

// Embed returns a cached embedding or calls the inner embedder.
// Cache hit: TotalTokens = 0, Cached = true.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	key := cacheKey(text)

	for i, l := range c.layers {
		vec, ok := l.Cache.Get(ctx, key)
		if !ok {
			metrics.EmbeddingCacheTotal.WithLabelValues(l.Name, "miss").Inc()
			continue
		}
		metrics.EmbeddingCacheTotal.WithLabelValues(l.Name, "hit").Inc()
		c.fill(ctx, key, vec, c.layers[:i])
		return domain.EmbeddingResult{Embedding: vec, Cached: true}, nil
	}

	// The shared call is detached from the leader's cancellation;
	// each waiter gives up on its own context.
	ch := c.group.DoChan(key, func() (any, error) {
		return c.inner.Embed(context.WithoutCancel(ctx), text)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return domain.EmbeddingResult{}, fmt.Errorf("embed text: %w", ctx.Err())
	}
	if res.Err != nil {
		return domain.EmbeddingResult{}, fmt.Errorf("embed text: %w", res.Err)
	}

	result := res.Val.(domain.EmbeddingResult)
	c.fill(ctx, key, result.Embedding, c.layers)
	return result, nil
}

// HealthCheck delegates to the inner embedder when it supports health checks.
func (c *CachedEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (c *CachedEmbedder) fill(ctx context.Context, key string, vec []float32, layers []Layer) {
	for _, l := range layers {
		if err := l.Cache.Set(ctx, key, vec); err != nil {
			c.logger.Warn("Failed to cache embedding",
				zap.String("layer", l.Name),
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

func cacheKey(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
