package rbac

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCache shares resolved permission sets across instances. Errors
// degrade to cache misses so Redis outages never fail a check.
type RedisCache struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedisCache(client *redis.Client, log *slog.Logger) *RedisCache {
	if log == nil {
		log = slog.Default()
	}
	return &RedisCache{client: client, log: log}
}

func permKey(userID uuid.UUID) string {
	return "rbac:perms:" + userID.String()
}

func (c *RedisCache) Get(ctx context.Context, userID uuid.UUID) ([]string, bool) {
	raw, err := c.client.Get(ctx, permKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("permission cache read failed", "error", err)
		}
		return nil, false
	}
	var perms []string
	if err := json.Unmarshal(raw, &perms); err != nil {
		c.log.Warn("permission cache entry corrupt", "error", err)
		return nil, false
	}
	return perms, true
}

func (c *RedisCache) Set(ctx context.Context, userID uuid.UUID, permissions []string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(permissions)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, permKey(userID), raw, ttl).Err(); err != nil {
		c.log.Warn("permission cache write failed", "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, userID uuid.UUID) {
	if err := c.client.Del(ctx, permKey(userID)).Err(); err != nil {
		c.log.Warn("permission cache invalidation failed", "error", err)
	}
}
