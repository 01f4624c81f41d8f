//go:build integration

package tenant

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(tb testing.TB) *redis.Client {
	tb.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7.0.5",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(tb, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(tb, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	tb.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	client := setupRedis(t)
	cache := NewRedisCache(client, "tenants:", time.Minute, nil)

	var loads atomic.Int32
	load := func(context.Context) (string, error) {
		loads.Add(1)
		return "sealed-conn", nil
	}

	got, err := cache.GetOrLoad(ctx, "acme", load)
	require.NoError(t, err)
	assert.Equal(t, "sealed-conn", got)

	got, err = cache.GetOrLoad(ctx, "acme", load)
	require.NoError(t, err)
	assert.Equal(t, "sealed-conn", got)
	assert.Equal(t, int32(1), loads.Load())

	ttl, err := client.TTL(ctx, "tenants:acme").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, cache.Invalidate(ctx, "acme"))
	_, err = cache.GetOrLoad(ctx, "acme", load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}

func TestRedisCacheDegradesWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	defer client.Close()
	cache := NewRedisCache(client, "tenants:", time.Minute, nil)

	got, err := cache.GetOrLoad(context.Background(), "acme", func(context.Context) (string, error) {
		return "conn", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "conn", got)
}
