// Package config loads instance configuration from the environment and an
// optional config file. Every key can be set via COMMUNE_* environment
// variables, e.g. COMMUNE_TRUST_MODE=allowlist.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the environment-level configuration the federation core consumes.
type Config struct {
	// Origin is this instance's public origin URI, e.g. https://a.example.
	Origin string `mapstructure:"origin"`

	// Listen is the HTTP listen address.
	Listen string `mapstructure:"listen"`

	// Enabled gates federation. When false the engine rejects publishing
	// and receiving alike.
	Enabled bool `mapstructure:"enabled"`

	// TrustMode is one of open, allowlist, blocklist, closed.
	TrustMode string `mapstructure:"trust_mode"`

	// SigningKey is the hex-encoded private signing key. Absence blocks
	// publishing but not receiving and verifying.
	SigningKey string `mapstructure:"signing_key"`

	// StoreBackend selects the persistence implementation:
	// memory, sqlite or postgres.
	StoreBackend string `mapstructure:"store_backend"`

	// StoreDSN is the sqlite path or postgres connection string.
	StoreDSN string `mapstructure:"store_dsn"`

	// DrainInterval is the delivery scheduler period.
	DrainInterval time.Duration `mapstructure:"drain_interval"`

	// OutboxRetention caps the number of retained outbox events.
	OutboxRetention int `mapstructure:"outbox_retention"`
}

// Load reads configuration from the environment, merged over an optional
// config file and the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COMMUNE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("origin", "http://localhost:8080")
	v.SetDefault("listen", ":8080")
	v.SetDefault("enabled", true)
	v.SetDefault("trust_mode", "open")
	v.SetDefault("signing_key", "")
	v.SetDefault("store_backend", "memory")
	v.SetDefault("store_dsn", "")
	v.SetDefault("drain_interval", 5*time.Second)
	v.SetDefault("outbox_retention", 1000)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the engine cannot work with.
func (c *Config) Validate() error {
	switch c.TrustMode {
	case "open", "allowlist", "blocklist", "closed":
	default:
		return fmt.Errorf("invalid trust mode %q", c.TrustMode)
	}
	switch c.StoreBackend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid store backend %q", c.StoreBackend)
	}
	if c.StoreBackend == "postgres" && c.StoreDSN == "" {
		return fmt.Errorf("postgres backend requires a DSN")
	}
	if c.DrainInterval < 0 {
		return fmt.Errorf("drain interval cannot be negative")
	}
	return nil
}
