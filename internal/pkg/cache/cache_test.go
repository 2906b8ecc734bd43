package cache

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"mining-engine/internal/config"
)

func checkDockerAvailable() bool {
	return exec.Command("docker", "info").Run() == nil
}

// setupRedis starts a throwaway Redis container and returns its config.
func setupRedis(t *testing.T) config.CacheConfig {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return config.CacheConfig{Addr: endpoint, Prefix: "test:"}
}

func TestNullCache(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, config.CacheConfig{})
	require.NoError(t, err)
	assert.IsType(t, NullCache{}, c)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
	assert.NoError(t, c.Delete(ctx, "k"))
	assert.NoError(t, c.Close())
}

func TestRedisCache_RoundTrip(t *testing.T) {
	cfg := setupRedis(t)
	ctx := context.Background()

	c, err := New(ctx, cfg)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(ctx, "profile:1")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "profile:1", []byte(`{"level":3}`), time.Minute))
	got, err := c.Get(ctx, "profile:1")
	require.NoError(t, err)
	assert.Equal(t, `{"level":3}`, string(got))

	require.NoError(t, c.Delete(ctx, "profile:1"))
	_, err = c.Get(ctx, "profile:1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestLocalCache(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, config.CacheConfig{LocalSize: 2, TTL: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &LocalCache{}, c)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	_, err = c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss, "oldest entry should be evicted")

	got, err := c.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "3", string(got))

	require.NoError(t, c.Delete(ctx, "c"))
	_, err = c.Get(ctx, "c")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestLocalCache_CopiesValue(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(4, 0)

	buf := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", buf, 0))
	buf[0] = 'x'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}
