// Package config loads server configuration from the process environment.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds every runtime option. Compile-time tunables (tick period,
// rate limits, reach) live in the world package constants.
type Config struct {
	BindAddr       string `mapstructure:"bind_addr"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
	StoreEndpoint  string `mapstructure:"store_endpoint"`
	PublicURL      string `mapstructure:"public_url"`
	Region         string `mapstructure:"region"`
	LogLevel       string `mapstructure:"log_level"`

	AuthIssuer        string `mapstructure:"auth_issuer"`
	AuthAudience      string `mapstructure:"auth_audience"`
	AuthAllowUnsigned bool   `mapstructure:"auth_allow_unsigned"`

	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// Load reads configuration from DEEPFORGE_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEEPFORGE")
	v.AutomaticEnv()

	v.SetDefault("bind_addr", ":8420")
	v.SetDefault("allowed_origins", "localhost")
	v.SetDefault("store_endpoint", "deepforge.db")
	v.SetDefault("public_url", "")
	v.SetDefault("region", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("auth_issuer", "deepforge")
	v.SetDefault("auth_audience", "deepforge-clients")
	v.SetDefault("auth_allow_unsigned", false)
	v.SetDefault("shutdown_grace", 10*time.Second)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if cfg.BindAddr == "" {
		return nil, errors.New("bind_addr must not be empty")
	}
	return &cfg, nil
}

// Origins splits the comma-separated allowed-origin patterns.
func (c *Config) Origins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
