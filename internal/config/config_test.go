// File: internal/config/config_test.go
package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "probe-cli", cfg.Logger.ServiceName)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 1280, cfg.Browser.Viewport.Width)
	assert.Equal(t, 720, cfg.Browser.Viewport.Height)
	assert.Equal(t, 30*time.Second, cfg.Harness.NavigationTimeout)
	assert.Equal(t, 5, cfg.Harness.WaitAttempts)
	assert.Equal(t, time.Second, cfg.Harness.WaitInterval)
	assert.Equal(t, uint64(3), cfg.Backend.MaxRetries)
	assert.Empty(t, cfg.Backend.URL, "no backend endpoint should be baked in")
	assert.Empty(t, cfg.Backend.APIKey, "no credential should be baked in")
	require.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("invalid viewport", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Browser.Viewport.Width = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "browser.viewport")
	})

	t.Run("invalid wait attempts", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Harness.WaitAttempts = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "harness.wait_attempts must be a positive integer")
	})

	t.Run("backend url scheme", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Backend.URL = "example.supabase.co"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend configuration invalid")
	})

	t.Run("backoff ordering", func(t *testing.T) {
		b := NewDefaultConfig().Backend
		b.MaxBackoff = time.Millisecond
		assert.Error(t, b.Validate())
	})

	t.Run("history path required", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.History.Path = ""
		assert.Error(t, cfg.Validate())
		cfg.History.Enabled = false
		assert.NoError(t, cfg.Validate())
	})
}

func TestRequireEndpoint(t *testing.T) {
	b := BackendConfig{}
	assert.ErrorContains(t, b.RequireEndpoint(), "backend.url")

	b.URL = "https://project.example.co"
	assert.ErrorContains(t, b.RequireEndpoint(), "backend.api_key")

	b.APIKey = "anon"
	assert.NoError(t, b.RequireEndpoint())
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("yaml overrides defaults", func(t *testing.T) {
		yamlBytes := []byte(`
browser:
  headless: false
  viewport:
    width: 800
    height: 600
harness:
  wait_attempts: 8
  wait_interval: 250ms
backend:
  url: https://project.example.co
history:
  path: ./history.db
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.False(t, cfg.Browser.Headless)
		assert.Equal(t, 800, cfg.Browser.Viewport.Width)
		assert.Equal(t, 8, cfg.Harness.WaitAttempts)
		assert.Equal(t, 250*time.Millisecond, cfg.Harness.WaitInterval)
		assert.Equal(t, "https://project.example.co", cfg.Backend.URL)
		assert.Equal(t, "./history.db", cfg.History.Path)
	})

	t.Run("secrets come from the environment", func(t *testing.T) {
		t.Setenv("PROBE_BACKEND_API_KEY", "env-key")
		t.Setenv("PROBE_BACKEND_DATABASE_URL", "postgres://u:p@localhost/db")

		v := viper.New()
		SetDefaults(v)
		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "env-key", cfg.Backend.APIKey)
		assert.Equal(t, "postgres://u:p@localhost/db", cfg.Backend.DatabaseURL)
	})

	t.Run("home directory is expanded", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		home, err := homedir.Dir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, ".probe-cli", "history.db"), cfg.History.Path)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("harness.run_timeout", "0s")
		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}
