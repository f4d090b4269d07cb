package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/termbridge/internal/api/middleware"
	"github.com/GriffinCanCode/termbridge/internal/bridge"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/termbridge/internal/ingress"
)

// AdminPrefix is where the server's own endpoints live.
const AdminPrefix = "/_termbridge"

// Server wraps the HTTP server and the mounted bridge
type Server struct {
	router  *gin.Engine
	http    *http.Server
	adapter *ingress.Adapter
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	logger.Info("Initializing termbridge server",
		zap.String("host", cfg.Server.Host),
		zap.String("port", cfg.Server.Port),
		zap.String("command", cfg.Bridge.Command),
		zap.String("prefix", cfg.Bridge.MountPrefix),
	)

	var metrics *monitoring.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	}

	tracer := tracing.New("termbridge", logger.Component("tracing"))

	b, err := bridge.New(cfg, logger.Component("bridge"), metrics, tracer)
	if err != nil {
		tracer.Close()
		return nil, err
	}
	adapter := ingress.New(b, logger.Component("ingress"), metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	if metrics != nil {
		router.Use(monitoring.Middleware(metrics))
	}
	if cfg.CORS.Enabled {
		corsCfg := middleware.DefaultCORSConfig()
		corsCfg.AllowOrigins = cfg.CORS.AllowOrigins
		router.Use(middleware.CORS(corsCfg))
	}
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	s := &Server{
		router:  router,
		adapter: adapter,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
		tracer:  tracer,
	}

	admin := router.Group(AdminPrefix)
	admin.GET("/health", s.health)
	admin.GET("/sessions", s.sessions)
	if metrics != nil {
		admin.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	mount := gin.WrapH(adapter)
	if prefix := cfg.NormalizedPrefix(); prefix == "" {
		router.NoRoute(mount)
	} else {
		router.Any(prefix, mount)
		router.Any(prefix+"/*path", mount)
	}

	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ConnContext:       ingress.ConnContext,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Component("http")),
	}

	logger.Info("Server initialized successfully")
	return s, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Adapter returns the mounted bridge adapter.
func (s *Server) Adapter() *ingress.Adapter {
	return s.adapter
}

// Run starts the bridge, serves until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.adapter.Startup(ctx); err != nil {
		ln.Close()
		s.Close(context.Background())
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			s.Close(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	return s.Close(shutdownCtx)
}

func (s *Server) shutdownTimeout() time.Duration {
	return s.config.Backend.GracePeriod.Duration + 5*time.Second
}

// Close shuts the bridge down first, so live relays get their close frames,
// then drains the HTTP server.
func (s *Server) Close(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	var errs []error
	if err := s.adapter.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shut down bridge", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Failed to shut down HTTP server", zap.Error(err))
		errs = append(errs, err)
	}
	s.tracer.Close()
	_ = s.logger.Sync()

	return errors.Join(errs...)
}

type healthResponse struct {
	Status   string      `json:"status"`
	Command  string      `json:"command"`
	Prefix   string      `json:"prefix"`
	Sessions int         `json:"sessions"`
	Backends interface{} `json:"backends"`
}

func (s *Server) health(c *gin.Context) {
	b := s.adapter.Bridge()
	resp := healthResponse{
		Status:   "ok",
		Command:  b.Command(),
		Prefix:   s.config.Bridge.MountPrefix,
		Sessions: b.Sessions().Len(),
		Backends: b.Supervisor().Processes(),
	}
	status := http.StatusOK
	if b.Closing() {
		resp.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *Server) sessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": s.adapter.Bridge().Sessions().List(),
	})
}
