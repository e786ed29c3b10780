package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.Origin)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "open", cfg.TrustMode)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 5*time.Second, cfg.DrainInterval)
	assert.Equal(t, 1000, cfg.OutboxRetention)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("COMMUNE_ORIGIN", "https://a.example")
	t.Setenv("COMMUNE_TRUST_MODE", "allowlist")
	t.Setenv("COMMUNE_STORE_BACKEND", "sqlite")
	t.Setenv("COMMUNE_STORE_DSN", "/tmp/commune.db")
	t.Setenv("COMMUNE_DRAIN_INTERVAL", "30s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://a.example", cfg.Origin)
	assert.Equal(t, "allowlist", cfg.TrustMode)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "/tmp/commune.db", cfg.StoreDSN)
	assert.Equal(t, 30*time.Second, cfg.DrainInterval)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commune.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"origin: https://a.example\ntrust_mode: blocklist\noutbox_retention: 50\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://a.example", cfg.Origin)
	assert.Equal(t, "blocklist", cfg.TrustMode)
	assert.Equal(t, 50, cfg.OutboxRetention)
	assert.Equal(t, ":8080", cfg.Listen, "unset keys keep their defaults")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commune.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trust_mode: open\n"), 0o644))
	t.Setenv("COMMUNE_TRUST_MODE", "closed")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "closed", cfg.TrustMode)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			TrustMode:    "open",
			StoreBackend: "memory",
		}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.TrustMode = "friendly"
	assert.Error(t, c.Validate())

	c = base()
	c.StoreBackend = "mysql"
	assert.Error(t, c.Validate())

	c = base()
	c.StoreBackend = "postgres"
	assert.Error(t, c.Validate(), "postgres without DSN must be rejected")
	c.StoreDSN = "host=localhost dbname=commune"
	assert.NoError(t, c.Validate())

	c = base()
	c.DrainInterval = -time.Second
	assert.Error(t, c.Validate())
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
