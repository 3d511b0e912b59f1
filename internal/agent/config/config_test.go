package config

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	_, err := uuid.Parse(c.DeviceID)
	assert.NoError(t, err, "default device id must be a valid uuid")
	assert.Equal(t, "hyposync.db", c.DatabaseDSN)
	assert.Equal(t, "hyposync.key", c.KeyFile)
	assert.Equal(t, "wss://relay.hyposync.dev/ws", c.RelayURL)
	assert.Equal(t, ":8443", c.LANListen)
	assert.Equal(t, 50, c.HistoryLimit)
	assert.Equal(t, 30*time.Second, c.LANIdleTimeout)
	assert.Equal(t, 20*time.Second, c.CloudPingInterval)
	assert.False(t, c.AllowPlaintext)
}

func TestLoadConfig_UsesDefaultsBeforeParsing(t *testing.T) {
	cfg := LoadConfig()

	require.NotNil(t, cfg, "LoadConfig must not return nil")
	assert.Equal(t, "hyposync.db", cfg.DatabaseDSN)
	assert.Equal(t, 50, cfg.HistoryLimit)
}
