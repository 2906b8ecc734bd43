package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mining-engine/internal/config"
)

func TestPoolConfig(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "miner",
		Password: "secret",
		Name:     "miner",
		PoolSize: 20,
	}

	pc, err := poolConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, int32(20), pc.MaxConns)
	assert.Equal(t, int32(5), pc.MinConns)
	assert.Equal(t, time.Hour, pc.MaxConnLifetime)
	assert.Equal(t, 30*time.Minute, pc.MaxConnIdleTime)
	assert.Equal(t, 10*time.Second, pc.ConnConfig.ConnectTimeout)
	assert.Equal(t, "UTC", pc.ConnConfig.RuntimeParams["timezone"])
}

func TestPoolConfig_SmallPool(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host:           "localhost",
		Port:           5432,
		User:           "miner",
		Name:           "miner",
		PoolSize:       2,
		ConnectTimeout: 3 * time.Second,
	}

	pc, err := poolConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, int32(2), pc.MaxConns)
	assert.Equal(t, int32(1), pc.MinConns)
	assert.Equal(t, 3*time.Second, pc.ConnConfig.ConnectTimeout)
}
