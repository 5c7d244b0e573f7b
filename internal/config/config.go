// Package config loads and validates the calcmcp configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the calculator MCP server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig describes the server identity sent to clients.
type ServerConfig struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	Instructions string `yaml:"instructions"`
	// Transport is either "http" or "stdio".
	Transport string `yaml:"transport"`
}

// HTTPConfig configures the HTTP binding.
type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	Path              string        `yaml:"path"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig configures where sessions live and when they expire.
type SessionConfig struct {
	// Store is either "memory" or "bolt".
	Store             string        `yaml:"store"`
	BoltPath          string        `yaml:"bolt_path"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	MaxSessions       int           `yaml:"max_sessions"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

// Transport and store names.
const (
	TransportHTTP  = "http"
	TransportStdIO = "stdio"

	StoreMemory = "memory"
	StoreBolt   = "bolt"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:         "calculator-server",
			Version:      "1.0.0",
			Instructions: "Use the add, subtract, multiply and divide tools with numeric arguments a and b.",
			Transport:    TransportHTTP,
		},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			Path:              "/mcp",
			AllowedOrigins:    []string{"*"},
			MaxBodyBytes:      1 << 20,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Session: SessionConfig{
			Store:             StoreMemory,
			BoltPath:          "calcmcp-sessions.db",
			IdleTimeout:       30 * time.Minute,
			ReapInterval:      time.Minute,
			KeepAliveInterval: 30 * time.Second,
			MaxSessions:       1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads the YAML file at path on top of the defaults. It doesn't validate the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating the parent directory when needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := Write(f, cfg); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Write encodes cfg as YAML to w.
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return enc.Close()
}

// Validate checks every field and returns all problems found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, &ConfigError{Field: field, Message: msg})
	}

	if c.Server.Name == "" {
		add("server.name", "server name is required")
	}
	if c.Server.Version == "" {
		add("server.version", "server version is required")
	}
	switch c.Server.Transport {
	case TransportHTTP, TransportStdIO:
	default:
		add("server.transport", "unsupported transport: "+c.Server.Transport)
	}

	if c.Server.Transport == TransportHTTP {
		if c.HTTP.Addr == "" {
			add("http.addr", "listen address is required")
		}
		if !strings.HasPrefix(c.HTTP.Path, "/") {
			add("http.path", "path must start with '/'")
		}
		if c.HTTP.MaxBodyBytes <= 0 {
			add("http.max_body_bytes", "must be positive")
		}
		if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
			add("metrics.path", "path must start with '/'")
		}
		if c.Metrics.Enabled && c.Metrics.Path == c.HTTP.Path {
			add("metrics.path", "must differ from http.path")
		}
	}

	switch c.Session.Store {
	case StoreMemory:
	case StoreBolt:
		if c.Session.BoltPath == "" {
			add("session.bolt_path", "bolt path is required for the bolt store")
		}
	default:
		add("session.store", "unsupported session store: "+c.Session.Store)
	}
	if c.Session.IdleTimeout <= 0 {
		add("session.idle_timeout", "must be positive")
	}
	if c.Session.ReapInterval <= 0 {
		add("session.reap_interval", "must be positive")
	}
	if c.Session.KeepAliveInterval <= 0 {
		add("session.keepalive_interval", "must be positive")
	}
	if c.Session.MaxSessions < 0 {
		add("session.max_sessions", "must not be negative")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		add("log.level", err.Error())
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format", "unsupported log format: "+c.Log.Format)
	}

	return errors.Join(errs...)
}

// SlogLevel parses Level into a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("unsupported log level: %s", l.Level)
	}
	return level, nil
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
