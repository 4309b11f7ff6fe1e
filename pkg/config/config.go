// Package config loads and validates the runtime configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/loomchat/loom/pkg/app/errors"
	"github.com/loomchat/loom/pkg/store"
)

// DefaultAdvancedModes lists the thinking modes whose intermediate progress
// text is preserved rather than overwritten by the final turn. The
// classification is configuration, not core logic.
var DefaultAdvancedModes = []string{"tools", "multi_step", "research"}

// Config is the top-level runtime configuration.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Dialect string `mapstructure:"dialect"`
	DSN     string `mapstructure:"dsn"`
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	cfg := store.Config{Dialect: c.Dialect, DSN: c.DSN}
	return cfg.Validate()
}

// EngineConfig configures the agent engine client.
type EngineConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	// TokenPath points at a mounted token file, re-read periodically. It
	// takes precedence over Token when both are set.
	TokenPath string `mapstructure:"token_path"`
}

// Validate checks the engine configuration.
func (c *EngineConfig) Validate() error {
	if c.BaseURL == "" {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "engine base URL is required", nil)
	}
	return nil
}

// MetricsConfig configures the metrics/health HTTP server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Validate checks the metrics configuration.
func (c *MetricsConfig) Validate() error {
	if c.Enabled && c.Addr == "" {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "metrics addr is required when enabled", nil)
	}
	return nil
}

// RuntimeConfig tunes the orchestration core.
type RuntimeConfig struct {
	FrameInterval time.Duration `mapstructure:"frame_interval"`
	AutoApprove   bool          `mapstructure:"auto_approve"`
	AdvancedModes []string      `mapstructure:"advanced_modes"`
}

// Validate checks the runtime configuration.
func (c *RuntimeConfig) Validate() error {
	if c.FrameInterval < 0 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid,
			fmt.Sprintf("frame interval must not be negative: %s", c.FrameInterval), nil)
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	return c.Runtime.Validate()
}

// Load reads configuration from the given file (optional), the default
// search paths, and LOOM_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("store.dialect", store.DialectSQLite)
	v.SetDefault("store.dsn", "loom.db")
	v.SetDefault("engine.base_url", "http://localhost:8083")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("runtime.frame_interval", 50*time.Millisecond)
	v.SetDefault("runtime.auto_approve", false)
	v.SetDefault("runtime.advanced_modes", DefaultAdvancedModes)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loom")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.loom")
	}

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "failed to read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "failed to unmarshal config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
