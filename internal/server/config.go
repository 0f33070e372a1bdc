package server

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the status server settings under the server key.
type Config struct {
	Enabled        bool     `mapstructure:"enabled"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	RateLimit      float64  `mapstructure:"rate_limit"`
	RateBurst      int      `mapstructure:"rate_burst"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConfigFrom decodes the server section, falling back to a localhost
// listener with a modest rate limit.
func ConfigFrom(v *viper.Viper) (Config, error) {
	cfg := Config{Host: "127.0.0.1", Port: 8089, RateLimit: 20, RateBurst: 40}
	if v == nil {
		return cfg, nil
	}
	if err := v.UnmarshalKey("server", &cfg); err != nil {
		return cfg, fmt.Errorf("decode server config: %w", err)
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}
	return cfg, nil
}
