package config

import (
	"time"

	"github.com/gemdesk/resilience/internal/infra/storage/postgres"
	redisstore "github.com/gemdesk/resilience/internal/infra/storage/redis"
	"github.com/gemdesk/resilience/internal/resilience/cache"
	"github.com/gemdesk/resilience/internal/resilience/conflict"
	"github.com/gemdesk/resilience/internal/resilience/network"
	"github.com/gemdesk/resilience/internal/resilience/recovery"
	"github.com/gemdesk/resilience/internal/resilience/session"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig    `yaml:"server"`
	Logging  LoggingConfig   `yaml:"logging"`
	Storage  StorageConfig   `yaml:"storage"`
	Sync     SyncConfig      `yaml:"sync"`
	Auth     AuthConfig      `yaml:"auth"`
	Network  network.Config  `yaml:"network"`
	Cache    cache.Config    `yaml:"cache"`
	Session  session.Config  `yaml:"session"`
	Conflict conflict.Config `yaml:"conflict"`
	Recovery recovery.Config `yaml:"recovery"`
}

// ServerConfig holds the health/metrics HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// StorageConfig selects and configures the shared key-value backend.
type StorageConfig struct {
	Backend  string            `yaml:"backend"` // memory, redis, postgres
	Redis    redisstore.Config `yaml:"redis"`
	Database postgres.Config   `yaml:"database"`
}

// SyncConfig selects the cross-tab broadcast transport.
type SyncConfig struct {
	Bus          string        `yaml:"bus"` // memory, redis, storage
	Channel      string        `yaml:"channel"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// AuthConfig points at the auth server the fallback chain talks to.
type AuthConfig struct {
	BaseURL      string        `yaml:"base_url"`
	RefreshPath  string        `yaml:"refresh_path"`
	ValidatePath string        `yaml:"validate_path"`
	Timeout      time.Duration `yaml:"timeout"`
}
