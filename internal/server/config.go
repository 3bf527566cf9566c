package server

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds hub server configuration.
type Config struct {
	// Network settings
	ListenAddr string `yaml:"listen_addr"`

	// Auth
	SigningKey string `yaml:"signing_key"`

	// Optional cross-node fan-out; empty disables the bridge.
	RedisAddr string `yaml:"redis_addr"`

	// Optional postgres DSN; empty selects the in-memory record store.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Transport tuning
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	SendBuffer   int           `yaml:"send_buffer"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "127.0.0.1:8080",
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		SendBuffer:   64,
		LogLevel:     "info",
	}
}

// LoadConfig reads a YAML config file over the defaults. Secrets can be
// overridden by environment so they stay out of the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrap(err, "parse config file")
		}
	}

	if v := os.Getenv("LABSYNC_SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}
	if v := os.Getenv("LABSYNC_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("LABSYNC_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}

	if cfg.SigningKey == "" {
		return cfg, errors.New("signing key is required")
	}
	return cfg, nil
}
