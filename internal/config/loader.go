package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load reads and parses a configuration file. Supports YAML and TOML
// formats based on file extension. Environment variables in the format
// ${VAR} or ${VAR:-default} are substituted.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser

	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandEnvInConfig(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandEnvInConfig expands environment variables in configuration values.
func expandEnvInConfig(cfg *Config) {
	cfg.Server.ListenAddress = expandEnv(cfg.Server.ListenAddress)
	cfg.Redis.Address = expandEnv(cfg.Redis.Address)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Redis.KeyPrefix = expandEnv(cfg.Redis.KeyPrefix)
}

// expandEnv expands environment variables in a string.
// Supports ${VAR} and ${VAR:-default} syntax.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		// Handle default value syntax: VAR:-default
		if idx := strings.Index(key, ":-"); idx != -1 {
			varName := key[:idx]
			defaultVal := key[idx+2:]
			if val := os.Getenv(varName); val != "" {
				return val
			}
			return defaultVal
		}
		return os.Getenv(key)
	})
}

// validate checks the configuration for errors.
func validate(cfg *Config) error {
	if cfg.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if cfg.Lease.DefaultDuration <= 0 {
		return fmt.Errorf("lease.default_duration must be > 0")
	}
	if cfg.Lease.MaxDuration < cfg.Lease.DefaultDuration {
		return fmt.Errorf("lease.max_duration must be >= lease.default_duration")
	}
	if cfg.Poll.ActiveInterval <= 0 || cfg.Poll.IdleInterval <= 0 {
		return fmt.Errorf("poll intervals must be > 0")
	}
	if cfg.Poll.ActiveInterval > cfg.Poll.IdleInterval {
		return fmt.Errorf("poll.active_interval must be <= poll.idle_interval")
	}
	if cfg.Poll.FailClosedAfter <= 0 {
		return fmt.Errorf("poll.fail_closed_after must be > 0")
	}
	if cfg.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be > 0")
	}
	return nil
}
