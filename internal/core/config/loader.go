package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Absent YAML fields keep pre-seeded values, which is how booleans that
	// default to true survive unmarshalling.
	cfg.Recovery.AutoRecovery = true

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Sync.Bus == "" {
		cfg.Sync.Bus = "memory"
	}
	if cfg.Sync.PollInterval == 0 {
		cfg.Sync.PollInterval = 250 * time.Millisecond
	}
	if cfg.Auth.RefreshPath == "" {
		cfg.Auth.RefreshPath = "/auth/refresh"
	}
	if cfg.Auth.ValidatePath == "" {
		cfg.Auth.ValidatePath = "/auth/validate"
	}
	if cfg.Auth.Timeout == 0 {
		cfg.Auth.Timeout = 10 * time.Second
	}

	return &cfg, nil
}
