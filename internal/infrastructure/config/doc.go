// Package config provides 12-factor configuration management for the terminal bridge.
//
// Configuration is layered: Default() values, then an optional TOML or YAML
// file, then environment variables. CLI flags in cmd/termbridge override all
// of these.
//
// Configuration Sections:
//   - Server: standalone HTTP server settings (port, host)
//   - Bridge: launch command, mount prefix, body size limit
//   - Session: idle thresholds, reaping interval, correlation cookie/query names
//   - Backend: startup timeout, grace period, health and dead-detection intervals
//   - Logging: Log level and output format
//   - RateLimit: Per-client rate limiting
//   - CORS: allowed origins for the standalone server
//   - Metrics: Prometheus exposition
//
// Example Usage:
//
//	cfg, err := config.LoadFile("termbridge.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bridge.Command, cfg.Bridge.MountPrefix)
//
// Environment Variables:
//   - PORT, HOST
//   - TERMBRIDGE_COMMAND, TERMBRIDGE_PREFIX, TERMBRIDGE_MAX_BODY, TERMBRIDGE_EAGER_START
//   - SESSION_IDLE_TIMEOUT, SESSION_IDLE_AFTER, SESSION_REAP_INTERVAL, SESSION_COOKIE, SESSION_QUERY_PARAM
//   - BACKEND_STARTUP_TIMEOUT, BACKEND_GRACE_PERIOD, BACKEND_HEALTH_INTERVAL, BACKEND_DEAD_DETECT, BACKEND_PTY, ...
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
