package embcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/modelmux/internal/db"
)

const remoteKeyPrefix = "modelmux:emb_cache:"

// kvStore is the consumer interface for the remote cache layer (ISP).
type kvStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RemoteCache stores embeddings in Redis/Valkey with a server-side TTL.
// Read failures are logged and reported as misses.
type RemoteCache struct {
	store  kvStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewRemoteCache creates a remote layer.
func NewRemoteCache(s kvStore, ttl time.Duration, logger *zap.Logger) *RemoteCache {
	return &RemoteCache{store: s, ttl: ttl, logger: logger}
}

// Get implements Cache.
func (c *RemoteCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.store.Get(ctx, remoteKeyPrefix+key)
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			c.logger.Warn("Failed to get cached embedding", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}

	vec, err := db.BytesToVector(data)
	if err != nil {
		c.logger.Warn("Failed to parse cached embedding", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return vec, true
}

// Set implements Cache.
func (c *RemoteCache) Set(ctx context.Context, key string, vec []float32) error {
	if err := c.store.SetWithTTL(ctx, remoteKeyPrefix+key, db.VectorToBytes(vec), c.ttl); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	return nil
}
