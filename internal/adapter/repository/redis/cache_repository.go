package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/sbs-relay/internal/domain"
)

// DefaultLastSeenKey is the key holding the most recently processed raw line.
const DefaultLastSeenKey = "lastMessage"

// CacheRepository is the last-seen cache sink. It keeps a single string key
// overwritten on every processed line.
type CacheRepository struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

var _ domain.LastSeenCache = (*CacheRepository)(nil)

// NewCacheRepository creates a last-seen cache on key. An empty key uses DefaultLastSeenKey.
func NewCacheRepository(client *redis.Client, key string, logger *slog.Logger) *CacheRepository {
	if key == "" {
		key = DefaultLastSeenKey
	}
	return &CacheRepository{
		client: client,
		key:    key,
		logger: logger.With("component", "redis_cache", "key", key),
	}
}

// SetLast overwrites the cached line. The key never expires.
func (c *CacheRepository) SetLast(ctx context.Context, line string) error {
	if err := c.client.Set(ctx, c.key, line, 0).Err(); err != nil {
		return fmt.Errorf("failed to SET last-seen line: %w", err)
	}
	return nil
}

// GetLast returns the cached line, or domain.ErrNotFound if nothing was cached yet.
func (c *CacheRepository) GetLast(ctx context.Context) (string, error) {
	line, err := c.client.Get(ctx, c.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("failed to GET last-seen line: %w", err)
	}
	return line, nil
}
