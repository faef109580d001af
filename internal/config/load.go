package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LETTERD_CRON_SECRET.
const EnvPrefix = "LETTERD"

var defaults = map[string]any{
	"server.addr":             ":8080",
	"server.shutdown_timeout": 10 * time.Second,

	"log.level":  "info",
	"log.format": "console",

	"database.driver":            "sqlite",
	"database.path":              "letterd.db",
	"database.dsn":               "",
	"database.max_open_conns":    10,
	"database.max_idle_conns":    5,
	"database.conn_max_lifetime": 30 * time.Minute,

	"tasks.max_attempts": 5,
	"tasks.backoff":      5 * time.Minute,
	"tasks.timeout":      30 * time.Second,
	"tasks.concurrency":  8,
	"tasks.stale_after":  15 * time.Minute,
	"tasks.sweep_limit":  25,

	"cron.secret":         "",
	"cron.trusted_header": "X-Vercel-Cron",
	"cron.schedule":       "",
	"cron.timeout":        5 * time.Minute,

	"mail.driver":          "log",
	"mail.endpoint":        "",
	"mail.api_key":         "",
	"mail.from":            "",
	"mail.timeout":         10 * time.Second,
	"mail.rate":            0.0,
	"mail.burst":           1,
	"mail.unsubscribe_url": "#",

	"events.driver":   "none",
	"events.url":      "",
	"events.channel":  "letterd.events",
	"events.exchange": "letterd.events",

	"metrics.enabled": true,
}

// Load reads configuration. Environment variables take precedence over the
// file at path, which may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
