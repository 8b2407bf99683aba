// Package config loads smsgw configuration from defaults, an optional TOML
// file, environment variables, and CLI flags, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level smsgw configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Modem    ModemConfig    `toml:"modem"`
	Jobs     JobsConfig     `toml:"jobs"`
	Auth     AuthConfig     `toml:"auth"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	ShutdownTimeout    int      `toml:"shutdown_timeout"` // seconds
	TLSDomain          string   `toml:"tls_domain"`       // non-empty enables certmagic
	TLSEmail           string   `toml:"tls_email"`
	TLSCertDir         string   `toml:"tls_cert_dir"`
}

// DatabaseConfig controls the Postgres connection.
type DatabaseConfig struct {
	URL             string `toml:"url"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	HealthCheckSecs int    `toml:"health_check_interval"`
	EmbeddedPort    int    `toml:"embedded_port"`
	EmbeddedDataDir string `toml:"embedded_data_dir"`
}

// ModemConfig controls the Huawei-class modem HTTP client (C1) and the
// poller/monitor cadences that depend on it (C4, C6).
type ModemConfig struct {
	BaseURL                string `toml:"base_url"`
	PollIntervalMs         int    `toml:"poll_interval_ms"`
	HealthCheckIntervalMs  int    `toml:"health_check_interval_ms"`
	RequestTimeoutS        int    `toml:"request_timeout_s"`
	CircuitFailureThresh   int    `toml:"circuit_failure_threshold"`
	CircuitOpenDurationS   int    `toml:"circuit_open_duration_s"`
	SessionTokenTTLS       int    `toml:"session_token_ttl_s"`
	LowSignalWarnThreshold int    `toml:"low_signal_warn_threshold"`
}

// JobsConfig controls the outbound/status queue runtime (C2/C3/C5).
type JobsConfig struct {
	SendConcurrency     int    `toml:"send_concurrency"`      // OBAN_SMS_SEND_CONCURRENCY
	SendRateLimit       int    `toml:"send_rate_limit"`       // OBAN_SMS_SEND_RATE_LIMIT per window
	SendRateWindowS     int    `toml:"send_rate_window_s"`    // rolling window for the rate limit, default 60
	SendMaxAttempts     int    `toml:"send_max_attempts"`     // default 3
	StatusConcurrency   int    `toml:"status_concurrency"`    // default 3
	StatusReconcileCron string `toml:"status_reconcile_cron"` // default "*/5 * * * *"
	PollIntervalMs      int    `toml:"poll_interval_ms"`      // job poll tick, default 1000
	LeaseDurationS      int    `toml:"lease_duration_s"`      // default 300
}

// AuthConfig controls C7.
type AuthConfig struct {
	DefaultRateLimit int `toml:"default_rate_limit"` // DEFAULT_RATE_LIMIT
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "text"
}

// Default returns a Config with all documented defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			CORSAllowedOrigins: []string{"*"},
			ShutdownTimeout:    10,
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        2,
			HealthCheckSecs: 30,
			EmbeddedPort:    15432,
			EmbeddedDataDir: "./smsgw_pgdata",
		},
		Modem: ModemConfig{
			BaseURL:                "http://192.168.8.1",
			PollIntervalMs:         30000,
			HealthCheckIntervalMs:  60000,
			RequestTimeoutS:        10,
			CircuitFailureThresh:   5,
			CircuitOpenDurationS:   300,
			SessionTokenTTLS:       300,
			LowSignalWarnThreshold: 20,
		},
		Jobs: JobsConfig{
			SendConcurrency:     6,
			SendRateLimit:       6,
			SendRateWindowS:     60,
			SendMaxAttempts:     3,
			StatusConcurrency:   3,
			StatusReconcileCron: "*/5 * * * *",
			PollIntervalMs:      1000,
			LeaseDurationS:      300,
		},
		Auth: AuthConfig{
			DefaultRateLimit: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration with priority: defaults -> smsgw.toml -> env vars -> CLI flags.
func Load(configPath string, flags map[string]string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = "smsgw.toml"
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	applyFlags(cfg, flags)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.TLSDomain != "" && c.Server.TLSEmail == "" {
		return fmt.Errorf("server.tls_email is required when server.tls_domain is set")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be at least 1, got %d", c.Database.MaxConns)
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns must be between 0 and max_conns, got %d", c.Database.MinConns)
	}
	if c.Modem.BaseURL == "" {
		return fmt.Errorf("modem.base_url must not be empty")
	}
	if c.Modem.PollIntervalMs < 1000 {
		return fmt.Errorf("modem.poll_interval_ms must be at least 1000, got %d", c.Modem.PollIntervalMs)
	}
	if c.Modem.CircuitFailureThresh < 1 {
		return fmt.Errorf("modem.circuit_failure_threshold must be at least 1, got %d", c.Modem.CircuitFailureThresh)
	}
	if c.Jobs.SendConcurrency < 1 {
		return fmt.Errorf("jobs.send_concurrency must be at least 1, got %d", c.Jobs.SendConcurrency)
	}
	if c.Jobs.SendRateLimit < 1 {
		return fmt.Errorf("jobs.send_rate_limit must be at least 1, got %d", c.Jobs.SendRateLimit)
	}
	if c.Jobs.StatusConcurrency < 1 {
		return fmt.Errorf("jobs.status_concurrency must be at least 1, got %d", c.Jobs.StatusConcurrency)
	}
	if c.Auth.DefaultRateLimit < 1 {
		return fmt.Errorf("auth.default_rate_limit must be at least 1, got %d", c.Auth.DefaultRateLimit)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", c.Logging.Format)
	}
	return nil
}

// Address returns the host:port the HTTP server should listen on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ModemPollInterval returns the inbound poll period as a time.Duration.
func (c *Config) ModemPollInterval() time.Duration {
	return time.Duration(c.Modem.PollIntervalMs) * time.Millisecond
}

// ModemHealthCheckInterval returns the status-monitor period as a time.Duration.
func (c *Config) ModemHealthCheckInterval() time.Duration {
	return time.Duration(c.Modem.HealthCheckIntervalMs) * time.Millisecond
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", name, v, err)
	}
	*dst = n
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if err := envInt("SERVER_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if v := os.Getenv("SERVER_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSAllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("SERVER_TLS_DOMAIN"); v != "" {
		cfg.Server.TLSDomain = v
	}
	if v := os.Getenv("SERVER_TLS_EMAIL"); v != "" {
		cfg.Server.TLSEmail = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if err := envInt("DATABASE_MAX_CONNS", &cfg.Database.MaxConns); err != nil {
		return err
	}

	if v := os.Getenv("MODEM_BASE_URL"); v != "" {
		cfg.Modem.BaseURL = v
	}
	if err := envInt("MODEM_POLL_INTERVAL", &cfg.Modem.PollIntervalMs); err != nil {
		return err
	}
	if err := envInt("MODEM_HEALTH_CHECK_INTERVAL", &cfg.Modem.HealthCheckIntervalMs); err != nil {
		return err
	}

	if err := envInt("DEFAULT_RATE_LIMIT", &cfg.Auth.DefaultRateLimit); err != nil {
		return err
	}

	if err := envInt("OBAN_SMS_SEND_CONCURRENCY", &cfg.Jobs.SendConcurrency); err != nil {
		return err
	}
	if v := os.Getenv("OBAN_SMS_SEND_RATE_LIMIT"); v != "" {
		// Accepts "6/60s" or a bare integer (count only, default window).
		if i := strings.IndexByte(v, '/'); i >= 0 {
			count, err := strconv.Atoi(v[:i])
			if err != nil {
				return fmt.Errorf("parsing OBAN_SMS_SEND_RATE_LIMIT=%q: %w", v, err)
			}
			cfg.Jobs.SendRateLimit = count
			window := strings.TrimSuffix(v[i+1:], "s")
			if window != "" {
				secs, err := strconv.Atoi(window)
				if err != nil {
					return fmt.Errorf("parsing OBAN_SMS_SEND_RATE_LIMIT window %q: %w", v[i+1:], err)
				}
				cfg.Jobs.SendRateWindowS = secs
			}
		} else {
			count, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parsing OBAN_SMS_SEND_RATE_LIMIT=%q: %w", v, err)
			}
			cfg.Jobs.SendRateLimit = count
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

func applyFlags(cfg *Config, flags map[string]string) {
	if v, ok := flags["database-url"]; ok && v != "" {
		cfg.Database.URL = v
	}
	if v, ok := flags["host"]; ok && v != "" {
		cfg.Server.Host = v
	}
	if v, ok := flags["port"]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v, ok := flags["modem-base-url"]; ok && v != "" {
		cfg.Modem.BaseURL = v
	}
}
