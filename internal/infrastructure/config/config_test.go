package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Server config
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Bridge config
	assert.Equal(t, "", cfg.Bridge.Command)
	assert.Equal(t, "/", cfg.Bridge.MountPrefix)
	assert.Equal(t, int64(10<<20), cfg.Bridge.MaxBodySize)
	assert.True(t, cfg.Bridge.EagerStart)

	// Session config
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout.Duration)
	assert.Equal(t, "termbridge_session", cfg.Session.CookieName)

	// Backend config
	assert.Equal(t, 15*time.Second, cfg.Backend.StartupTimeout.Duration)
	assert.Equal(t, 15*time.Second, cfg.Backend.DeadDetectInterval.Duration)
	assert.False(t, cfg.Backend.UsePTY)

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	// Rate limit config
	assert.Equal(t, 100, cfg.RateLimit.RequestsPerSecond)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                    "9000",
		"HOST":                    "127.0.0.1",
		"TERMBRIDGE_COMMAND":      "python -m textual",
		"TERMBRIDGE_PREFIX":       "/textual",
		"TERMBRIDGE_MAX_BODY":     "1024",
		"SESSION_IDLE_TIMEOUT":    "90s",
		"BACKEND_STARTUP_TIMEOUT": "3s",
		"BACKEND_PTY":             "true",
		"LOG_LEVEL":               "debug",
		"LOG_DEV":                 "true",
		"RATE_LIMIT_ENABLED":      "true",
		"CORS_ORIGINS":            "https://a.example,https://b.example",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "python -m textual", cfg.Bridge.Command)
	assert.Equal(t, "/textual", cfg.Bridge.MountPrefix)
	assert.Equal(t, int64(1024), cfg.Bridge.MaxBodySize)
	assert.Equal(t, 90*time.Second, cfg.Session.IdleTimeout.Duration)
	assert.Equal(t, 3*time.Second, cfg.Backend.StartupTimeout.Duration)
	assert.True(t, cfg.Backend.UsePTY)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowOrigins)

	// Untouched values keep their defaults
	assert.Equal(t, "termbridge_session", cfg.Session.CookieName)
	assert.Equal(t, 5*time.Second, cfg.Backend.GracePeriod.Duration)
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("SESSION_IDLE_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)

	cfg := LoadOrDefault()
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout.Duration)
}

func TestLoadFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "termbridge.toml",
			content: `
[bridge]
command = "python -m textual"
mount_prefix = "/textual"

[session]
idle_timeout = "2m"

[backend]
startup_timeout = "7s"
use_pty = true
`,
		},
		{
			name: "yaml",
			file: "termbridge.yaml",
			content: `
bridge:
  command: python -m textual
  mount_prefix: /textual
session:
  idle_timeout: 2m
backend:
  startup_timeout: 7s
  use_pty: true
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			cfg, err := LoadFile(path)
			require.NoError(t, err)

			assert.Equal(t, "python -m textual", cfg.Bridge.Command)
			assert.Equal(t, "/textual", cfg.Bridge.MountPrefix)
			assert.Equal(t, 2*time.Minute, cfg.Session.IdleTimeout.Duration)
			assert.Equal(t, 7*time.Second, cfg.Backend.StartupTimeout.Duration)
			assert.True(t, cfg.Backend.UsePTY)
			assert.Equal(t, "8000", cfg.Server.Port)
			require.NoError(t, cfg.Validate())
		})
	}
}

func TestLoadFileEnvironmentWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termbridge.toml")
	require.NoError(t, os.WriteFile(path, []byte("[bridge]\ncommand = \"from-file\"\n"), 0o600))
	t.Setenv("TERMBRIDGE_COMMAND", "from-env")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Bridge.Command)
}

func TestLoadFileUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termbridge.ini")
	require.NoError(t, os.WriteFile(path, []byte("command=x"), 0o600))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) { c.Bridge.Command = "app" }},
		{name: "missing command", mutate: func(c *Config) {}, wantErr: true},
		{name: "relative prefix", mutate: func(c *Config) {
			c.Bridge.Command = "app"
			c.Bridge.MountPrefix = "app"
		}, wantErr: true},
		{name: "idle after exceeds timeout", mutate: func(c *Config) {
			c.Bridge.Command = "app"
			c.Session.IdleAfter = Duration{time.Hour}
		}, wantErr: true},
		{name: "zero startup timeout", mutate: func(c *Config) {
			c.Bridge.Command = "app"
			c.Backend.StartupTimeout = Duration{}
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizedPrefix(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "", cfg.NormalizedPrefix())

	cfg.Bridge.MountPrefix = "/app/"
	assert.Equal(t, "/app", cfg.NormalizedPrefix())
}
