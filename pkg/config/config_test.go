package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileIsNotExist(t *testing.T) {
	// callers walk a path list; a missing file must be distinguishable
	// from a present-but-broken one
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  address: ":9999"
hub:
  publisher_grace_period: 10s
recording:
  retention: 6h
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Hub.PublisherGracePeriod)
	assert.Equal(t, 6*time.Hour, cfg.Recording.Retention)
	// untouched defaults survive
	assert.Equal(t, 3*time.Second, cfg.Presence.FlushInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LIVECAST_SERVER_ADDRESS", ":7070")
	t.Setenv("LIVECAST_JWT_SECRET", "s3cret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":9999\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	// env wins over the file
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }},
		{"zero grace period", func(c *Config) { c.Hub.PublisherGracePeriod = 0 }},
		{"pong not after ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"bad hysteresis", func(c *Config) { c.Quality.HysteresisFactor = 1.5 }},
		{"recording without retention", func(c *Config) { c.Recording.Retention = 0 }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 5000 }},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
