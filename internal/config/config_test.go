package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

// A zero ghost timeout would expire every unacknowledged order instantly.
func TestGhostTimeoutBounds(t *testing.T) {
	cfg := Default()

	cfg.Engine.GhostTimeoutSec = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost_timeout_sec")

	cfg.Engine.GhostTimeoutSec = 601
	assert.Error(t, cfg.Validate())

	cfg.Engine.GhostTimeoutSec = 300
	assert.NoError(t, cfg.Validate())
}

func TestOrderTimeoutBounds(t *testing.T) {
	cfg := Default()
	cfg.Engine.OrderTimeoutSec = 30
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order_timeout_sec")
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Engine.TickIntervalSec)
	assert.Equal(t, 300, cfg.Engine.GhostTimeoutSec)
}
