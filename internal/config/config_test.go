package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "72.16.0.0/14", cfg.Server.Subnet)
	assert.Equal(t, 20, cfg.RTC.ICEBufferSize)
	assert.Equal(t, 60*time.Second, cfg.RTC.ICEBufferTime)
	assert.Equal(t, 3, cfg.Signaling.Retries)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	data := []byte(`
role: relay
server:
  subnet: 10.0.0.0/24
signaling:
  retry_delay: 1s
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, RoleRelay, cfg.Role)
	assert.Equal(t, "10.0.0.0/24", cfg.Server.Subnet)
	assert.Equal(t, time.Second, cfg.Signaling.RetryDelay)
	// untouched fields keep their defaults
	assert.Equal(t, "signal", cfg.Network.Channel)
	assert.Equal(t, 1024, cfg.Ports.Start)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad role", func(c *Config) { c.Role = "host" }},
		{"bad subnet", func(c *Config) { c.Server.Subnet = "72.16.0.0" }},
		{"empty channel", func(c *Config) { c.Network.Channel = "" }},
		{"inverted ports", func(c *Config) { c.Ports.Start, c.Ports.End = 2000, 1000 }},
		{"negative retries", func(c *Config) { c.Signaling.Retries = -1 }},
		{"zero poll", func(c *Config) { c.RTC.PollInterval = 0 }},
		{"zero ice buffer", func(c *Config) { c.RTC.ICEBufferSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
