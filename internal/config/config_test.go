package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/shorelink/shorelink/internal/errors"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SIGNALK_URL", "http://localhost:3000")
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, time.Second, cfg.UpdateInterval)
	assert.Equal(t, 10*time.Second, cfg.AISRefreshInterval)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, 443, cfg.VPSPort)
	assert.Equal(t, "/ws", cfg.VPSPath)
	assert.Equal(t, 25*time.Second, cfg.VPSPingInterval)
	assert.Equal(t, 30*time.Second, cfg.VPSConnectionTimeout)
	assert.Equal(t, 10, cfg.VPSMaxRetries)
	assert.Equal(t, 3009, cfg.DirectWSPort)
	assert.Equal(t, 24*time.Hour, cfg.TokenExpiry)
	assert.Equal(t, 30*time.Second, cfg.MinBreadcrumbInterval)
	assert.Equal(t, 1000, cfg.MaxHistoryEntries)
	assert.Equal(t, 2*time.Hour, cfg.FenceHistoryWindow)
	assert.True(t, cfg.JournalEnabled)
	assert.False(t, cfg.TunnelEnabled())
	assert.False(t, cfg.UseTokenAuth())
}

func TestLoadRequiresSignalKURL(t *testing.T) {
	t.Setenv("SIGNALK_URL", "")
	t.Setenv("DATA_DIR", t.TempDir())

	_, err := Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, relayerrors.ErrConfigMissing)
}

func TestLoadMillisecondOverrides(t *testing.T) {
	t.Setenv("SIGNALK_URL", "http://localhost:3000")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("UPDATE_INTERVAL", "250")
	t.Setenv("VPS_PING_INTERVAL", "10000")
	t.Setenv("TOKEN_EXPIRY", "1h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.UpdateInterval)
	assert.Equal(t, 10*time.Second, cfg.VPSPingInterval)
	assert.Equal(t, time.Hour, cfg.TokenExpiry)
}

func TestProductionPortRules(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		port    string
		wantErr bool
	}{
		{"production port 443", "production", "443", false},
		{"production port 80", "production", "80", false},
		{"production odd port", "production", "8080", true},
		{"development odd port", "development", "8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SIGNALK_URL", "http://localhost:3000")
			t.Setenv("DATA_DIR", t.TempDir())
			t.Setenv("NODE_ENV", tt.env)
			t.Setenv("VPS_HOST", "relay.example.com")
			t.Setenv("VPS_WS_PORT", tt.port)

			_, err := Load()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, relayerrors.ErrConfigMissing)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTokenSecretSelectsJWTAuth(t *testing.T) {
	t.Setenv("SIGNALK_URL", "http://localhost:3000")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("TOKEN_SECRET", "shhh")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.UseTokenAuth())
}
