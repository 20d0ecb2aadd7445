// Package config provides a Viper-backed implementation of the
// plugin.Config interface plus logger construction for the runtime.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deskforge/plugkit/pkg/plugin"
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

// Load reads the runtime configuration file. An empty path falls back to
// plugkit.yaml in the working directory and /etc/plugkit; a missing file
// is not an error (defaults apply), a malformed one is.
func Load(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("PLUGKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("plugkit")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/plugkit")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "plugkit.db")
	v.SetDefault("service.base_url", "http://localhost:8080/api")
	v.SetDefault("service.timeout", 30*time.Second)
	v.SetDefault("service.refresh_interval", 5*time.Minute)
	v.SetDefault("realtime.url", "ws://localhost:8080/api/events")
	v.SetDefault("status.addr", ":9190")
	v.SetDefault("external.rate", 5.0)
	v.SetDefault("external.burst", 10)
}

func (c *ViperConfig) Unmarshal(target any) error { return c.v.Unmarshal(target) }

func (c *ViperConfig) Get(key string) any { return c.v.Get(key) }

func (c *ViperConfig) GetString(key string) string { return c.v.GetString(key) }

func (c *ViperConfig) GetInt(key string) int { return c.v.GetInt(key) }

func (c *ViperConfig) GetBool(key string) bool { return c.v.GetBool(key) }

func (c *ViperConfig) GetDuration(key string) time.Duration { return c.v.GetDuration(key) }

func (c *ViperConfig) IsSet(key string) bool { return c.v.IsSet(key) }

func (c *ViperConfig) Sub(key string) plugin.Config {
	sub := c.v.Sub(key)
	if sub == nil {
		return New(nil)
	}
	return New(sub)
}
