package bridge

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/GriffinCanCode/termbridge/internal/domain/bridge"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/termbridge/internal/session"
	"github.com/GriffinCanCode/termbridge/internal/supervisor"
	"github.com/GriffinCanCode/termbridge/internal/translator"
	"go.uber.org/zap"
)

// Bridge is the shared state of one mounted application.
type Bridge struct {
	cfg     *config.Config
	command string
	logger  *zap.Logger
	metrics *monitoring.Metrics

	supervisor *supervisor.Supervisor
	sessions   *session.Registry
	translator *translator.Translator

	relayCtx    context.Context
	cancelRelay context.CancelFunc
	relays      sync.WaitGroup

	mu           sync.Mutex
	started      bool
	closing      bool
	stopReaper   context.CancelFunc
	reaperDone   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a bridge from cfg. metrics and tracer may be nil.
func New(cfg *config.Config, logger *zap.Logger, metrics *monitoring.Metrics, tracer *tracing.Tracer) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:         cfg,
		command:     cfg.Bridge.Command,
		logger:      logger,
		metrics:     metrics,
		relayCtx:    relayCtx,
		cancelRelay: cancel,
		supervisor:  supervisor.New(supervisor.ConfigFrom(cfg.Backend), logger.Named("supervisor"), metrics),
		sessions:    session.New(session.ConfigFrom(cfg.Session), logger.Named("sessions"), metrics),
		translator: translator.New(translator.Config{
			Prefix:      cfg.NormalizedPrefix(),
			MaxBodySize: cfg.Bridge.MaxBodySize,
			RewriteHTML: cfg.Bridge.RewriteHTML,
			DialTimeout: cfg.Backend.DialTimeout.Duration,
			DeadDetect:  cfg.Backend.DeadDetectInterval.Duration,
		}, logger.Named("translator"), metrics, tracer),
	}
	b.supervisor.OnExit(b.backendExited)
	return b, nil
}

// Config returns the configuration the bridge was built from.
func (b *Bridge) Config() *config.Config { return b.cfg }

// Command returns the launch command of the mounted application.
func (b *Bridge) Command() string { return b.command }

// Prefix returns the normalized mount prefix ("" at the root).
func (b *Bridge) Prefix() string { return b.translator.Prefix() }

// Sessions returns the session registry.
func (b *Bridge) Sessions() *session.Registry { return b.sessions }

// Supervisor returns the process supervisor.
func (b *Bridge) Supervisor() *supervisor.Supervisor { return b.supervisor }

// Translator returns the protocol translator.
func (b *Bridge) Translator() *translator.Translator { return b.translator }

// Acquire returns the live backend for the mounted command, spawning it if needed.
func (b *Bridge) Acquire(ctx context.Context) (*supervisor.BackendProcess, error) {
	if b.Closing() {
		return nil, domain.ErrShuttingDown
	}
	return b.supervisor.Acquire(ctx, b.command)
}

// Closing reports whether Shutdown has begun.
func (b *Bridge) Closing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing
}

// BeginRelay registers a long-lived relay. The returned context is cancelled
// on Shutdown; done must be called when the relay ends.
func (b *Bridge) BeginRelay() (ctx context.Context, done func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return nil, nil, domain.ErrShuttingDown
	}
	b.relays.Add(1)
	var once sync.Once
	return b.relayCtx, func() { once.Do(b.relays.Done) }, nil
}

// Startup starts idle reaping and, when configured, spawns the backend so
// the first client does not wait for it.
func (b *Bridge) Startup(ctx context.Context) error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return domain.ErrShuttingDown
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	reaperCtx, stop := context.WithCancel(context.Background())
	b.stopReaper = stop
	b.reaperDone = make(chan struct{})
	b.mu.Unlock()

	go func() {
		defer close(b.reaperDone)
		b.sessions.Run(reaperCtx)
	}()

	b.logger.Info("bridge starting",
		zap.String("command", b.command),
		zap.String("prefix", b.cfg.Bridge.MountPrefix),
		zap.Bool("eager_start", b.cfg.Bridge.EagerStart),
	)

	if !b.cfg.Bridge.EagerStart {
		return nil
	}
	p, err := b.supervisor.Acquire(ctx, b.command)
	if err != nil {
		return fmt.Errorf("start backend: %w", err)
	}
	b.logger.Info("backend ready",
		zap.String("backend_id", p.ID),
		zap.String("addr", p.Addr()),
		zap.Int("pid", p.PID()),
	)
	return nil
}

// Shutdown rejects new work, closes live relays with 1001, closes every
// session and terminates every backend process. It is safe to call more
// than once; later calls return the first result.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.shutdownErr = b.shutdown(ctx)
	})
	return b.shutdownErr
}

func (b *Bridge) shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closing = true
	stop, reaperDone := b.stopReaper, b.reaperDone
	b.mu.Unlock()

	b.logger.Info("bridge shutting down")

	b.cancelRelay()
	relaysDone := make(chan struct{})
	go func() {
		b.relays.Wait()
		close(relaysDone)
	}()
	select {
	case <-relaysDone:
	case <-ctx.Done():
		b.logger.Warn("relays still running at shutdown deadline")
	}

	n := b.sessions.CloseAll(domain.ReasonShutdown)

	if stop != nil {
		stop()
		<-reaperDone
	}

	err := b.supervisor.TerminateAll(ctx)
	b.translator.Close()

	b.logger.Info("bridge stopped", zap.Int("sessions_closed", n))
	if err != nil {
		return fmt.Errorf("terminate backends: %w", err)
	}
	return nil
}

// backendExited closes the sessions bound to a process that just exited.
// It runs before the process is reported Terminated.
func (b *Bridge) backendExited(p *supervisor.BackendProcess) {
	reason := domain.ReasonBackendFailure
	if b.Closing() {
		reason = domain.ReasonShutdown
	}
	n := b.sessions.CloseBoundTo(p.ID, reason)
	b.translator.Forget(p.ID)

	fields := []zap.Field{
		zap.String("backend_id", p.ID),
		zap.Int("sessions_closed", n),
	}
	if err := p.Err(); err != nil {
		fields = append(fields, zap.Error(err))
	}
	if p.Expected() {
		b.logger.Info("backend stopped", fields...)
		return
	}
	b.logger.Warn("backend exited unexpectedly", fields...)
}
