package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8787", cfg.APIListenAddr)
	require.Equal(t, 120*time.Second, cfg.StartupTimeout)
	require.Equal(t, time.Second, cfg.ReconcileWindow)
	require.Equal(t, 500*time.Millisecond, cfg.ReconcileTimeout)
	require.Equal(t, 5*time.Second, cfg.SweepInterval)
	require.Zero(t, cfg.IdleTimeout, "reaper disabled by default")
	require.Equal(t, "/health", cfg.HealthDefaults.Path)
	require.Equal(t, 30*time.Second, cfg.HealthDefaults.Interval)
	require.False(t, cfg.DiscoveryEnabled)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SELFSTART_API_LISTEN", "127.0.0.1:9000")
	t.Setenv("SELFSTART_STARTUP_TIMEOUT", "90")
	t.Setenv("SELFSTART_IDLE_TIMEOUT", "45m")
	t.Setenv("SELFSTART_DISCOVERY", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.APIListenAddr)
	require.Equal(t, 90*time.Second, cfg.StartupTimeout, "bare integers are seconds")
	require.Equal(t, 45*time.Minute, cfg.IdleTimeout)
	require.True(t, cfg.DiscoveryEnabled)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("SELFSTART_STARTUP_TIMEOUT", "soon")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnvRejectsBadListenAddr(t *testing.T) {
	t.Setenv("SELFSTART_API_LISTEN", "not-an-addr")
	_, err := FromEnv()
	require.Error(t, err)
}
