// Package config loads letterd settings from defaults, an optional YAML file
// and LETTERD_* environment variables.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Log      LogConfig      `mapstructure:"log" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Tasks    TasksConfig    `mapstructure:"tasks" validate:"required"`
	Cron     CronConfig     `mapstructure:"cron" validate:"required"`
	Mail     MailConfig     `mapstructure:"mail" validate:"required"`
	Events   EventsConfig   `mapstructure:"events" validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=console json"`
}

// DatabaseConfig selects the storage backend. Path is used by sqlite, DSN
// by postgres.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"required,oneof=sqlite postgres memory"`
	Path            string        `mapstructure:"path" validate:"required_if=Driver sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

type TasksConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	Backoff     time.Duration `mapstructure:"backoff" validate:"gt=0"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Concurrency int           `mapstructure:"concurrency" validate:"gte=1,lte=256"`
	StaleAfter  time.Duration `mapstructure:"stale_after" validate:"gte=0"`
	SweepLimit  int           `mapstructure:"sweep_limit" validate:"gte=1,lte=1000"`
}

// CronConfig controls who may trigger a tick. Schedule enables the embedded
// trigger when set.
type CronConfig struct {
	Secret        string        `mapstructure:"secret"`
	TrustedHeader string        `mapstructure:"trusted_header"`
	Schedule      string        `mapstructure:"schedule"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type MailConfig struct {
	Driver         string        `mapstructure:"driver" validate:"required,oneof=log http"`
	Endpoint       string        `mapstructure:"endpoint" validate:"required_if=Driver http,omitempty,url"`
	APIKey         string        `mapstructure:"api_key"`
	From           string        `mapstructure:"from" validate:"omitempty,email"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Rate           float64       `mapstructure:"rate" validate:"gte=0"`
	Burst          int           `mapstructure:"burst" validate:"gte=0"`
	UnsubscribeURL string        `mapstructure:"unsubscribe_url"`
}

type EventsConfig struct {
	Driver   string `mapstructure:"driver" validate:"required,oneof=none redis amqp"`
	URL      string `mapstructure:"url" validate:"required_unless=Driver none"`
	Channel  string `mapstructure:"channel"`
	Exchange string `mapstructure:"exchange"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
