package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/termbridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/server"
)

type options struct {
	configFile     string
	command        string
	prefix         string
	host           string
	port           string
	dev            bool
	logLevel       string
	pty            bool
	workDir        string
	env            []string
	idleTimeout    time.Duration
	startupTimeout time.Duration
	maxBody        int64
	lazy           bool
	noRewrite      bool
	cors           []string
	rateLimit      int
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "termbridge [flags] [-- command [args...]]",
		Short: "Serve a terminal application over HTTP and WebSocket",
		Long: `termbridge launches a terminal application on a private loopback port and
relays HTTP requests and WebSocket connections to it under a URL prefix.

The launch command may be given with --command or after "--". The
placeholders {port}, {host} and {addr} are replaced with the address the
application should listen on; it is also passed as PORT and TERMBRIDGE_ADDR.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				opts.command = joinCommand(args)
			}
			cfg, err := loadConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	opts.bind(cmd.Flags())

	return cmd
}

func (o *options) bind(f *pflag.FlagSet) {
	f.StringVarP(&o.configFile, "config", "c", "", "TOML or YAML config file")
	f.StringVar(&o.command, "command", "", "launch command of the terminal application")
	f.StringVarP(&o.prefix, "prefix", "m", "", "mount prefix (default \"/\")")
	f.StringVar(&o.host, "host", "", "listen host (default \"0.0.0.0\")")
	f.StringVarP(&o.port, "port", "p", "", "listen port (default \"8000\")")
	f.BoolVar(&o.dev, "dev", false, "development logging at debug level")
	f.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.BoolVar(&o.pty, "pty", false, "run the application on a pseudo-terminal")
	f.StringVar(&o.workDir, "workdir", "", "working directory of the application")
	f.StringArrayVarP(&o.env, "env", "e", nil, "extra KEY=VALUE for the application (repeatable)")
	f.DurationVar(&o.idleTimeout, "idle-timeout", 0, "close sessions idle for this long (default 5m)")
	f.DurationVar(&o.startupTimeout, "startup-timeout", 0, "wait this long for the application to listen (default 15s)")
	f.Int64Var(&o.maxBody, "max-body", 0, "maximum buffered request body in bytes (default 10 MiB)")
	f.BoolVar(&o.lazy, "lazy", false, "start the application on the first request instead of at startup")
	f.BoolVar(&o.noRewrite, "no-rewrite", false, "do not rewrite URLs in HTML responses")
	f.StringSliceVar(&o.cors, "cors", nil, "enable CORS for these origins (\"*\" for any)")
	f.IntVar(&o.rateLimit, "rate-limit", 0, "per-client requests per second (0 disables)")
}

// loadConfig layers defaults, the config file, the environment and finally
// the flags that were set explicitly.
func loadConfig(flags *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg, err := config.LoadFile(opts.configFile)
	if err != nil {
		return nil, err
	}

	if opts.command != "" {
		cfg.Bridge.Command = opts.command
	}
	if flags.Changed("prefix") {
		cfg.Bridge.MountPrefix = opts.prefix
	}
	if flags.Changed("host") {
		cfg.Server.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if opts.dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if flags.Changed("pty") {
		cfg.Backend.UsePTY = opts.pty
	}
	if flags.Changed("workdir") {
		cfg.Backend.WorkDir = opts.workDir
	}
	if len(opts.env) > 0 {
		cfg.Backend.Env = append(cfg.Backend.Env, opts.env...)
	}
	if flags.Changed("idle-timeout") {
		cfg.Session.IdleTimeout = config.Duration{Duration: opts.idleTimeout}
		if cfg.Session.IdleAfter.Duration > opts.idleTimeout {
			cfg.Session.IdleAfter = config.Duration{Duration: opts.idleTimeout}
		}
	}
	if flags.Changed("startup-timeout") {
		cfg.Backend.StartupTimeout = config.Duration{Duration: opts.startupTimeout}
	}
	if flags.Changed("max-body") {
		cfg.Bridge.MaxBodySize = opts.maxBody
	}
	if opts.lazy {
		cfg.Bridge.EagerStart = false
	}
	if opts.noRewrite {
		cfg.Bridge.RewriteHTML = false
	}
	if len(opts.cors) > 0 {
		cfg.CORS.Enabled = true
		cfg.CORS.AllowOrigins = opts.cors
	}
	if opts.rateLimit > 0 {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerSecond = opts.rateLimit
		if cfg.RateLimit.Burst < opts.rateLimit {
			cfg.RateLimit.Burst = opts.rateLimit
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	}
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// joinCommand turns argv back into one launch command, quoting arguments
// that the command splitter would otherwise break apart.
func joinCommand(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\#") {
			a = "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
