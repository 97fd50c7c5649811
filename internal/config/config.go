// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// ErrAPITokenMissing is returned when no listing API token is configured.
// The service cannot populate its pool without it.
var ErrAPITokenMissing = errors.New("listing.api_token is required (or set API_TOKEN / --api-token)")

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/proxy-rotator/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIToken string `kong:"help='Proxy listing API token (overrides config).',env='API_TOKEN'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Listing  ListingConfig  `toml:"listing"`
	Upstream UpstreamConfig `toml:"upstream"`
	Refresh  RefreshConfig  `toml:"refresh"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ListingConfig holds the proxy listing API endpoint and credentials.
type ListingConfig struct {
	URL            string `toml:"url"`
	APIToken       string `toml:"api_token"`
	Mode           string `toml:"mode"`
	PageSize       int    `toml:"page_size"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// UpstreamConfig holds settings for requests sent through upstream proxies.
type UpstreamConfig struct {
	ProxyScheme       string `toml:"proxy_scheme"`
	DestinationScheme string `toml:"destination_scheme"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	IdleConnections   int    `toml:"idle_connections"`
}

// RefreshConfig holds the pool refresh schedule.
type RefreshConfig struct {
	Schedule string `toml:"schedule"` // standard 5-field cron expression or descriptor
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/proxy-rotator/config.toml then configs/config.toml; if neither exists
// the built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
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
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.APIToken != "" {
		c.Listing.APIToken = cli.APIToken
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Listing.APIToken) == "" {
		return ErrAPITokenMissing
	}
	if c.Listing.APIToken == "YOUR_API_TOKEN_HERE" {
		return fmt.Errorf("listing.api_token contains placeholder value")
	}

	// Listing URL: optional, but must be HTTPS when given.
	if c.Listing.URL != "" {
		u, err := url.Parse(c.Listing.URL)
		if err != nil {
			return fmt.Errorf("listing.url is not a valid URL: %w", err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("listing.url must use HTTPS; got %q", c.Listing.URL)
		}
	}

	switch strings.ToLower(c.Upstream.ProxyScheme) {
	case "http", "https", "":
	default:
		return fmt.Errorf("upstream.proxy_scheme must be one of: http, https; got %q", c.Upstream.ProxyScheme)
	}
	switch strings.ToLower(c.Upstream.DestinationScheme) {
	case "http", "https", "":
	default:
		return fmt.Errorf("upstream.destination_scheme must be one of: http, https; got %q", c.Upstream.DestinationScheme)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Listing.PageSize < 0 {
		return fmt.Errorf("listing.page_size must be non-negative; got %d", c.Listing.PageSize)
	}
	if c.Listing.TimeoutSeconds < 0 {
		return fmt.Errorf("listing.timeout_seconds must be non-negative; got %d", c.Listing.TimeoutSeconds)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if c.Refresh.Schedule != "" {
		if _, err := cron.ParseStandard(c.Refresh.Schedule); err != nil {
			return fmt.Errorf("refresh.schedule %q is not a valid cron expression: %w", c.Refresh.Schedule, err)
		}
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
		for _, reserved := range []string{"/healthz", "/proxy/status", "/proxy/refresh"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, PageSize, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Listing.URL == "" {
		c.Listing.URL = "https://proxy.webshare.io/api/v2/proxy/list/"
	}
	if c.Listing.Mode == "" {
		c.Listing.Mode = "direct"
	}
	if c.Listing.PageSize == 0 {
		c.Listing.PageSize = 1000000
	}
	if c.Listing.TimeoutSeconds == 0 {
		c.Listing.TimeoutSeconds = 60
	}
	if c.Upstream.ProxyScheme == "" {
		c.Upstream.ProxyScheme = "http"
	}
	c.Upstream.ProxyScheme = strings.ToLower(c.Upstream.ProxyScheme)
	if c.Upstream.DestinationScheme == "" {
		c.Upstream.DestinationScheme = "https"
	}
	c.Upstream.DestinationScheme = strings.ToLower(c.Upstream.DestinationScheme)
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 4
	}
	if c.Refresh.Schedule == "" {
		c.Refresh.Schedule = "0 0 * * *"
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
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
