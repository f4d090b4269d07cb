package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Bridge    BridgeConfig    `toml:"bridge" yaml:"bridge"`
	Session   SessionConfig   `toml:"session" yaml:"session"`
	Backend   BackendConfig   `toml:"backend" yaml:"backend"`
	Logging   LogConfig       `toml:"logging" yaml:"logging"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	CORS      CORSConfig      `toml:"cors" yaml:"cors"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
}

// ServerConfig holds standalone HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" toml:"port" yaml:"port"`
	Host string `envconfig:"HOST" toml:"host" yaml:"host"`
}

// BridgeConfig holds the bridge's own settings.
type BridgeConfig struct {
	Command     string `envconfig:"TERMBRIDGE_COMMAND" toml:"command" yaml:"command"`
	MountPrefix string `envconfig:"TERMBRIDGE_PREFIX" toml:"mount_prefix" yaml:"mount_prefix"`
	MaxBodySize int64  `envconfig:"TERMBRIDGE_MAX_BODY" toml:"max_body_size" yaml:"max_body_size"`
	EagerStart  bool   `envconfig:"TERMBRIDGE_EAGER_START" toml:"eager_start" yaml:"eager_start"`
	RewriteHTML bool   `envconfig:"TERMBRIDGE_REWRITE_HTML" toml:"rewrite_html" yaml:"rewrite_html"`
}

// SessionConfig holds session registry configuration.
type SessionConfig struct {
	IdleTimeout  Duration `envconfig:"SESSION_IDLE_TIMEOUT" toml:"idle_timeout" yaml:"idle_timeout"`
	IdleAfter    Duration `envconfig:"SESSION_IDLE_AFTER" toml:"idle_after" yaml:"idle_after"`
	ReapInterval Duration `envconfig:"SESSION_REAP_INTERVAL" toml:"reap_interval" yaml:"reap_interval"`
	CookieName   string   `envconfig:"SESSION_COOKIE" toml:"cookie_name" yaml:"cookie_name"`
	QueryParam   string   `envconfig:"SESSION_QUERY_PARAM" toml:"query_param" yaml:"query_param"`
}

// BackendConfig holds process supervisor and relay timing configuration.
type BackendConfig struct {
	StartupTimeout     Duration `envconfig:"BACKEND_STARTUP_TIMEOUT" toml:"startup_timeout" yaml:"startup_timeout"`
	GracePeriod        Duration `envconfig:"BACKEND_GRACE_PERIOD" toml:"grace_period" yaml:"grace_period"`
	HealthInterval     Duration `envconfig:"BACKEND_HEALTH_INTERVAL" toml:"health_interval" yaml:"health_interval"`
	HealthFailures     int      `envconfig:"BACKEND_HEALTH_FAILURES" toml:"health_failures" yaml:"health_failures"`
	DeadDetectInterval Duration `envconfig:"BACKEND_DEAD_DETECT" toml:"dead_detect_interval" yaml:"dead_detect_interval"`
	DialTimeout        Duration `envconfig:"BACKEND_DIAL_TIMEOUT" toml:"dial_timeout" yaml:"dial_timeout"`
	UsePTY             bool     `envconfig:"BACKEND_PTY" toml:"use_pty" yaml:"use_pty"`
	WorkDir            string   `envconfig:"BACKEND_WORKDIR" toml:"workdir" yaml:"workdir"`
	Env                []string `envconfig:"BACKEND_ENV" toml:"env" yaml:"env"`
	RestartsPerMinute  int      `envconfig:"BACKEND_RESTARTS_PER_MINUTE" toml:"restarts_per_minute" yaml:"restarts_per_minute"`
	RestartBurst       int      `envconfig:"BACKEND_RESTART_BURST" toml:"restart_burst" yaml:"restart_burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" toml:"level" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" toml:"development" yaml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" toml:"requests_per_second" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" toml:"burst" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" toml:"enabled" yaml:"enabled"`
}

// CORSConfig holds CORS configuration for the standalone server.
type CORSConfig struct {
	AllowOrigins []string `envconfig:"CORS_ORIGINS" toml:"allow_origins" yaml:"allow_origins"`
	Enabled      bool     `envconfig:"CORS_ENABLED" toml:"enabled" yaml:"enabled"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool `envconfig:"METRICS_ENABLED" toml:"enabled" yaml:"enabled"`
}

// Load loads configuration from environment variables on top of Default().
func Load() (*Config, error) {
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Bridge: BridgeConfig{
			MountPrefix: "/",
			MaxBodySize: 10 << 20,
			EagerStart:  true,
			RewriteHTML: true,
		},
		Session: SessionConfig{
			IdleTimeout:  Duration{5 * time.Minute},
			IdleAfter:    Duration{time.Minute},
			ReapInterval: Duration{15 * time.Second},
			CookieName:   "termbridge_session",
			QueryParam:   "session",
		},
		Backend: BackendConfig{
			StartupTimeout:     Duration{15 * time.Second},
			GracePeriod:        Duration{5 * time.Second},
			HealthInterval:     Duration{5 * time.Second},
			HealthFailures:     3,
			DeadDetectInterval: Duration{15 * time.Second},
			DialTimeout:        Duration{2 * time.Second},
			RestartsPerMinute:  6,
			RestartBurst:       3,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           false,
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
			Enabled:      false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks the settings the bridge cannot run without.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Bridge.Command) == "" {
		errs = append(errs, errors.New("bridge command is required"))
	}
	if c.Bridge.MountPrefix == "" || !strings.HasPrefix(c.Bridge.MountPrefix, "/") {
		errs = append(errs, fmt.Errorf("mount prefix %q must start with /", c.Bridge.MountPrefix))
	}
	if c.Bridge.MaxBodySize <= 0 {
		errs = append(errs, errors.New("max body size must be positive"))
	}
	if c.Session.IdleTimeout.Duration <= 0 {
		errs = append(errs, errors.New("session idle timeout must be positive"))
	}
	if c.Session.IdleAfter.Duration > c.Session.IdleTimeout.Duration {
		errs = append(errs, errors.New("session idle-after must not exceed the idle timeout"))
	}
	if c.Session.ReapInterval.Duration <= 0 {
		errs = append(errs, errors.New("session reap interval must be positive"))
	}
	if c.Backend.StartupTimeout.Duration <= 0 {
		errs = append(errs, errors.New("backend startup timeout must be positive"))
	}
	if c.Backend.DeadDetectInterval.Duration <= 0 {
		errs = append(errs, errors.New("backend dead-detection interval must be positive"))
	}

	return errors.Join(errs...)
}

// NormalizedPrefix returns the mount prefix without a trailing slash; the root
// mount is returned as "".
func (c *Config) NormalizedPrefix() string {
	return strings.TrimRight(c.Bridge.MountPrefix, "/")
}

func applyEnv(cfg *Config) error {
	// No default tags: envconfig only overwrites fields whose variable is set,
	// so file values survive unless the environment overrides them.
	if err := envconfig.Process("", cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return nil
}
