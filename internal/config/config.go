// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig          `toml:"server"`
	Proxy     ProxyConfig           `toml:"proxy"`
	RateLimit OriginRateLimitConfig `toml:"rate_limit"`
	Upstream  UpstreamConfig        `toml:"upstream"`
	Log       LogConfig             `toml:"log"`
	Metrics   MetricsConfig         `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	TLS          TLSConfig       `toml:"tls"`
}

// RateLimitConfig controls per-IP request rate limiting at the transport.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// TLSConfig enables automatic certificates when a domain is set.
type TLSConfig struct {
	Domain  string `toml:"domain"`
	CertDir string `toml:"cert_dir"`
}

// ProxyConfig holds the admission and relay policy.
type ProxyConfig struct {
	OriginBlacklist []string `toml:"origin_blacklist"`
	OriginWhitelist []string `toml:"origin_whitelist"`

	// RequireHeaders admits a request only when at least one of these
	// headers is present. Leaving the key out means no requirement; an
	// explicitly empty list is a configuration error.
	RequireHeaders []string `toml:"require_headers"`

	RemoveHeaders []string          `toml:"remove_headers"`
	SetHeaders    map[string]string `toml:"set_headers"`

	RedirectSameOrigin bool `toml:"redirect_same_origin"`

	CORSMaxAge int `toml:"cors_max_age"`

	// MaxRedirects caps how many redirect hops are followed per request.
	// 0 means "use default" (5); -1 disables following entirely.
	MaxRedirects int `toml:"max_redirects"`

	HelpFile string `toml:"help_file"`
}

// OriginRateLimitConfig controls the per-origin request budget.
type OriginRateLimitConfig struct {
	Enabled       bool     `toml:"enabled"`
	MaxRequests   int      `toml:"max_requests"`
	PeriodSeconds int      `toml:"period_seconds"`
	Unlimited     []string `toml:"unlimited"`
}

// Period returns the budget window as a duration.
func (o *OriginRateLimitConfig) Period() time.Duration {
	return time.Duration(o.PeriodSeconds) * time.Second
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds     int  `toml:"timeout_seconds"` // 0 means no timeout
	IdleConnections    int  `toml:"idle_connections"`
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
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
// /etc/cors-proxy/config.toml then configs/config.toml; if none exists the
// proxy runs on defaults, since every setting is optional.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" || cli.Config != "" {
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
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

	// Proxy policy.
	if c.Proxy.RequireHeaders != nil && len(c.Proxy.RequireHeaders) == 0 {
		return fmt.Errorf("proxy.require_headers is present but empty; remove the key to disable the requirement")
	}
	if c.Proxy.CORSMaxAge < 0 {
		return fmt.Errorf("proxy.cors_max_age must be non-negative; got %d", c.Proxy.CORSMaxAge)
	}
	if c.Proxy.MaxRedirects < -1 {
		return fmt.Errorf("proxy.max_redirects must be >= -1; got %d", c.Proxy.MaxRedirects)
	}

	// Per-origin budget.
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit.max_requests must be > 0 when the origin budget is enabled; got %d", c.RateLimit.MaxRequests)
		}
		if c.RateLimit.PeriodSeconds < 0 {
			return fmt.Errorf("rate_limit.period_seconds must be non-negative; got %d", c.RateLimit.PeriodSeconds)
		}
	}

	// TLS.
	if d := c.Server.TLS.Domain; d != "" && strings.ContainsAny(d, "/:@ ") {
		return fmt.Errorf("server.tls.domain must be a bare host name; got %q", d)
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
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key; max_redirects therefore uses -1
// rather than 0 to disable redirect following.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.TLS.Domain != "" && c.Server.TLS.CertDir == "" {
		c.Server.TLS.CertDir = "certs"
	}
	if c.Proxy.MaxRedirects == 0 {
		c.Proxy.MaxRedirects = 5
	}
	for i, h := range c.Proxy.RequireHeaders {
		c.Proxy.RequireHeaders[i] = strings.ToLower(h)
	}
	if c.RateLimit.PeriodSeconds == 0 {
		c.RateLimit.PeriodSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
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
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
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
