package config

import "time"

// Config represents the complete application configuration.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Redis  RedisConfig  `koanf:"redis"`
	Lease  LeaseConfig  `koanf:"lease"`
	Poll   PollConfig   `koanf:"poll"`
	Sweep  SweepConfig  `koanf:"sweep"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddress   string        `koanf:"listen_address"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Address   string `koanf:"address"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// LeaseConfig contains lease issuing settings. Placeholders lists
// sentinel username values the repair path treats as unusable.
type LeaseConfig struct {
	DefaultDuration time.Duration `koanf:"default_duration"`
	MaxDuration     time.Duration `koanf:"max_duration"`
	Placeholders    []string      `koanf:"placeholders"`
}

// PollConfig contains reconciler settings handed to client sessions.
type PollConfig struct {
	ActiveInterval  time.Duration `koanf:"active_interval"`
	IdleInterval    time.Duration `koanf:"idle_interval"`
	FailClosedAfter int           `koanf:"fail_closed_after"`
}

// SweepConfig contains cleanup sweeper settings.
type SweepConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddress:   ":8470",
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			KeyPrefix: "leasegate:",
		},
		Lease: LeaseConfig{
			DefaultDuration: 15 * time.Minute,
			MaxDuration:     time.Hour,
			Placeholders:    []string{"null", "undefined", "Processing..."},
		},
		Poll: PollConfig{
			ActiveInterval:  time.Second,
			IdleInterval:    5 * time.Second,
			FailClosedAfter: 3,
		},
		Sweep: SweepConfig{
			Interval: 30 * time.Second,
		},
	}
}
