package tenant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RedisCache shares resolved tenants between processes. It stores the
// connection string as the resolver returned it, so encrypted strings
// stay encrypted in Redis. A Redis outage degrades to resolving every
// time rather than failing dispatch.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewRedisCache creates a cache on client with keys prefix+code.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (r *RedisCache) key(code string) string {
	return r.prefix + code
}

func (r *RedisCache) get(ctx context.Context, code string) (string, bool) {
	val, err := r.client.Get(ctx, r.key(code)).Result()
	if errors.Is(err, redis.Nil) {
		r.logger.Debug("tenant cache miss", "tenantCode", code)
		return "", false
	}
	if err != nil {
		r.logger.Warn("tenant cache get failed", "tenantCode", code, "error", err)
		return "", false
	}
	return val, true
}

// GetOrLoad implements ConnectionCache.
func (r *RedisCache) GetOrLoad(ctx context.Context, code string, load LoadFunc) (string, error) {
	if conn, ok := r.get(ctx, code); ok {
		return conn, nil
	}

	v, err, _ := r.group.Do(code, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		if conn, ok := r.get(ctx, code); ok {
			return conn, nil
		}
		conn, err := load(ctx)
		if err != nil {
			return "", err
		}
		if err := r.client.Set(ctx, r.key(code), conn, r.ttl).Err(); err != nil {
			r.logger.Warn("tenant cache set failed", "tenantCode", code, "error", err)
		}
		return conn, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate implements ConnectionCache.
func (r *RedisCache) Invalidate(ctx context.Context, code string) error {
	return r.client.Del(ctx, r.key(code)).Err()
}
