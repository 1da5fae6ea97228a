// Package config loads and validates roomsync configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full static configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	SQLite  SQLiteConfig  `koanf:"sqlite"`
	NATS    NATSConfig    `koanf:"nats"`
	Chat    ChatConfig    `koanf:"chat"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port"`
	HTTPServerTimeout time.Duration `koanf:"http_server_timeout"`
}

// SQLiteConfig holds database settings.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// NATSConfig holds the domain event subscription settings.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	QueueGroup    string `koanf:"queue_group"`
}

// ChatConfig holds the external chat backend settings shared by all
// tenants plus the per-tenant connection list.
type ChatConfig struct {
	// CallTimeout bounds every individual call to the external backend.
	CallTimeout         time.Duration  `koanf:"call_timeout"`
	HealthCheckInterval time.Duration  `koanf:"health_check_interval"`
	Tenants             []TenantConfig `koanf:"tenants"`
}

// TenantConfig describes one tenant's chat backend connection.
type TenantConfig struct {
	Name       string `koanf:"name"`
	URL        string `koanf:"url"`
	AdminToken string `koanf:"admin_token"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `koanf:"level"`
}

// Default returns the built-in defaults applied before file and env
// sources.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8125,
			HTTPServerTimeout: 30 * time.Second,
		},
		SQLite: SQLiteConfig{
			Path: "roomsync.db",
		},
		NATS: NATSConfig{
			Enabled:       true,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "domain",
			QueueGroup:    "roomsync",
		},
		Chat: ChatConfig{
			CallTimeout:         10 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given TOML file (if present) and
// applies ROOMSYNC_* environment overrides on top of the defaults.
// Environment keys use double underscores as section separators, e.g.
// ROOMSYNC_SERVER__PORT=9000.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("error loading config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("ROOMSYNC_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "ROOMSYNC_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading env config: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks fields that would otherwise fail at an awkward time.
func (c *Config) Validate() error {
	if c.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path is required")
	}
	if c.Chat.CallTimeout <= 0 {
		return fmt.Errorf("chat.call_timeout must be positive")
	}
	seen := map[string]bool{}
	for i, t := range c.Chat.Tenants {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("chat.tenants[%d]: name is required", i)
		}
		if strings.TrimSpace(t.URL) == "" {
			return fmt.Errorf("chat tenant %q: url is required", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("chat tenant %q: duplicate name", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}
