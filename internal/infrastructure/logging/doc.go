// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Components receive a named child logger (Component) so that log lines from
// the supervisor, registry, translator and the backend's own output can be
// told apart:
//
//	logger, err := logging.New(logging.DefaultConfig())
//	sup := supervisor.New(cfg, logger.Component("supervisor"))
//	logger.Info("bridge starting", zap.String("prefix", "/app"))
package logging
