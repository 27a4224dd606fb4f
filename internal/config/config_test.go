package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "8086", cfg.Port)
	require.Equal(t, "chat-media", cfg.StorageBucket)
	require.Equal(t, 30*time.Second, cfg.ResyncInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RESYNC_INTERVAL_SECONDS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, 5*time.Second, cfg.ResyncInterval)
}

func TestLoadRejectsBadInterval(t *testing.T) {
	t.Setenv("RESYNC_INTERVAL_SECONDS", "zero")

	_, err := Load()
	require.Error(t, err)
}
