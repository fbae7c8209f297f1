// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/tunnel-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong. The environment variable
// names are the server's wire contract: PORT, HTTP1_PORT, THREADS, USE_SSL,
// CERT_FILE, KEY_FILE.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Port      int    `kong:"short='p',help='HTTP/2 front door port (overrides config).',env='PORT'"`
	HTTP1Port int    `kong:"name='http1-port',help='HTTP/1.1 front door port (overrides config).',env='HTTP1_PORT'"`
	Threads   int    `kong:"help='Worker count for the scheduler (overrides config).',env='THREADS'"`
	UseSSL    bool   `kong:"name='use-ssl',help='Enable TLS on the HTTP/2 front door.',env='USE_SSL'"`
	CertFile  string `kong:"name='cert-file',help='TLS certificate chain PEM (overrides config).',env='CERT_FILE'"`
	KeyFile   string `kong:"name='key-file',help='TLS private key PEM (overrides config).',env='KEY_FILE'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	TLS     TLSConfig     `toml:"tls"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds front door and scheduler settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	H2Port       int             `toml:"h2_port"`    // 0 means "use default" (8080)
	HTTP1Port    int             `toml:"http1_port"` // 0 means "use default" (9080)
	Threads      int             `toml:"threads"`    // 0 means "use default" (4)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the HTTP/1.1 door.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// TLSConfig holds TLS settings for the HTTP/2 front door.
type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file (when one exists) and applies CLI and
// environment overrides. Unlike a required config, a missing file means
// "run on defaults" — the server is fully operable from environment
// variables alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Port != 0 {
		c.Server.H2Port = cli.Port
	}
	if cli.HTTP1Port != 0 {
		c.Server.HTTP1Port = cli.HTTP1Port
	}
	if cli.Threads != 0 {
		c.Server.Threads = cli.Threads
	}
	if cli.UseSSL {
		c.TLS.Enabled = true
	}
	if cli.CertFile != "" {
		c.TLS.CertFile = cli.CertFile
	}
	if cli.KeyFile != "" {
		c.TLS.KeyFile = cli.KeyFile
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	for name, port := range map[string]int{
		"server.h2_port":    c.Server.H2Port,
		"server.http1_port": c.Server.HTTP1Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s must be 0–65535; got %d", name, port)
		}
	}
	if c.Server.Threads < 0 {
		return fmt.Errorf("server.threads must be non-negative; got %d", c.Server.Threads)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/proxy/register", "/health", "/test"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.H2Port == 0 {
		c.Server.H2Port = 8080
	}
	if c.Server.HTTP1Port == 0 {
		c.Server.HTTP1Port = 9080
	}
	if c.Server.Threads == 0 {
		c.Server.Threads = 4
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.TLS.CertFile == "" {
		c.TLS.CertFile = "certs/server.crt"
	}
	if c.TLS.KeyFile == "" {
		c.TLS.KeyFile = "certs/server.key"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// H2Addr returns the HTTP/2 front door listen address as host:port.
func (c *ServerConfig) H2Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.H2Port)
}

// HTTP1Addr returns the HTTP/1.1 front door listen address as host:port.
func (c *ServerConfig) HTTP1Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTP1Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
