// Package config provides a Viper-backed implementation of the plugin.Config
// interface and loads the daemon configuration.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.Config = (*ViperConfig)(nil)

// ViperConfig wraps a Viper instance to implement plugin.Config.
type ViperConfig struct {
	v *viper.Viper
}

// New creates a Config backed by the given Viper instance.
// Returns the concrete type; callers assign to plugin.Config where needed.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

func (c *ViperConfig) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}

func (c *ViperConfig) Get(key string) any {
	return c.v.Get(key)
}

func (c *ViperConfig) GetString(key string) string {
	return c.v.GetString(key)
}

func (c *ViperConfig) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

func (c *ViperConfig) GetInt(key string) int {
	return c.v.GetInt(key)
}

func (c *ViperConfig) GetBool(key string) bool {
	return c.v.GetBool(key)
}

func (c *ViperConfig) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

func (c *ViperConfig) IsSet(key string) bool {
	return c.v.IsSet(key)
}

// Sub returns the nested section. Viper's own Sub reads a single layer,
// so a section partly set in the file loses its defaults. The section is
// rebuilt from AllSettings instead, which already merges every layer.
func (c *ViperConfig) Sub(key string) plugin.Config {
	var node any = c.v.AllSettings()
	for _, part := range strings.Split(strings.ToLower(key), ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return New(nil)
		}
		node = m[part]
	}
	section, ok := node.(map[string]any)
	if !ok {
		return New(nil)
	}
	sub := viper.New()
	for k, val := range section {
		sub.Set(k, val)
	}
	return New(sub)
}

// Viper returns the underlying Viper instance for direct access
// (e.g., by the composition root for top-level keys like paths.config_dir).
func (c *ViperConfig) Viper() *viper.Viper {
	return c.v
}
