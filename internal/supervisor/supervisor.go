package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/termbridge/internal/domain/bridge"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/monitoring"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config controls spawning, readiness and termination.
type Config struct {
	Host              string
	StartupTimeout    time.Duration
	GracePeriod       time.Duration
	DialTimeout       time.Duration
	HealthInterval    time.Duration
	HealthFailures    int
	UsePTY            bool
	WorkDir           string
	Env               []string
	RestartsPerMinute int
	RestartBurst      int
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.Default().Backend)
}

// ConfigFrom maps the backend section of the application config.
func ConfigFrom(c config.BackendConfig) Config {
	return Config{
		Host:              "127.0.0.1",
		StartupTimeout:    c.StartupTimeout.Duration,
		GracePeriod:       c.GracePeriod.Duration,
		DialTimeout:       c.DialTimeout.Duration,
		HealthInterval:    c.HealthInterval.Duration,
		HealthFailures:    c.HealthFailures,
		UsePTY:            c.UsePTY,
		WorkDir:           c.WorkDir,
		Env:               c.Env,
		RestartsPerMinute: c.RestartsPerMinute,
		RestartBurst:      c.RestartBurst,
	}
}

// ExitHook runs after a process exits and before it is reported Terminated.
type ExitHook func(p *BackendProcess)

// slot serializes spawn and terminate for one launch command.
type slot struct {
	lock    chan struct{}
	proc    *BackendProcess
	limiter *rate.Limiter
	spawns  int
}

func (s *slot) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slot) release() {
	<-s.lock
}

// Supervisor owns backend processes, one per launch command.
type Supervisor struct {
	cfg     Config
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu     sync.Mutex
	slots  map[string]*slot
	hooks  []ExitHook
	closed bool
}

// New creates a supervisor. metrics may be nil.
func New(cfg Config, logger *zap.Logger, metrics *monitoring.Metrics) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.HealthFailures <= 0 {
		cfg.HealthFailures = 3
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		slots:   make(map[string]*slot),
	}
}

// OnExit registers a hook run for every process exit.
func (s *Supervisor) OnExit(hook ExitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Supervisor) slot(command string) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, bridge.ErrShuttingDown
	}
	sl, ok := s.slots[command]
	if !ok {
		limit := rate.Inf
		if s.cfg.RestartsPerMinute > 0 {
			limit = rate.Limit(float64(s.cfg.RestartsPerMinute) / 60)
		}
		burst := s.cfg.RestartBurst
		if burst <= 0 {
			burst = 1
		}
		sl = &slot{
			lock:    make(chan struct{}, 1),
			limiter: rate.NewLimiter(limit, burst),
		}
		s.slots[command] = sl
	}
	return sl, nil
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Acquire returns the Ready process for command, spawning one if needed and
// waiting for its listener to accept connections.
func (s *Supervisor) Acquire(ctx context.Context, command string) (*BackendProcess, error) {
	sl, err := s.slot(command)
	if err != nil {
		return nil, err
	}
	if err := sl.acquire(ctx); err != nil {
		return nil, err
	}
	defer sl.release()

	if s.isClosed() {
		return nil, bridge.ErrShuttingDown
	}

	if p := sl.proc; p != nil {
		switch p.State() {
		case bridge.BackendReady:
			if !p.exited() {
				return p, nil
			}
			<-p.Terminated()
		case bridge.BackendTerminated:
		default:
			// degraded or stuck starting: finish it off before respawning
			s.stop(p)
		}
	}

	if err := sl.limiter.Wait(ctx); err != nil {
		s.metrics.RecordSpawn("throttled")
		return nil, fmt.Errorf("%w: respawn throttled: %v", bridge.ErrSpawnFailure, err)
	}

	p, err := s.spawn(ctx, command)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	sl.proc = p
	sl.spawns++
	s.mu.Unlock()
	return p, nil
}

func (s *Supervisor) spawn(ctx context.Context, command string) (*BackendProcess, error) {
	timer := monitoring.NewTimer(s.metrics, "supervisor", "spawn")

	target, err := reservePort(s.cfg.Host)
	if err != nil {
		timer.Stop("error")
		s.metrics.RecordSpawn("failure")
		return nil, fmt.Errorf("%w: %v", bridge.ErrSpawnFailure, err)
	}
	argv, err := buildArgv(command, target)
	if err != nil {
		timer.Stop("error")
		s.metrics.RecordSpawn("failure")
		return nil, fmt.Errorf("%w: %v", bridge.ErrSpawnFailure, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = buildEnv(os.Environ(), s.cfg.Env, target, s.cfg.UsePTY)
	if s.cfg.GracePeriod > 0 {
		cmd.WaitDelay = s.cfg.GracePeriod
	}

	p := newProcess(uuid.NewString(), command, cmd, target.addr())
	log := s.logger.With(zap.String("backend_id", p.ID), zap.String("command", command))
	output := log.Named("backend")

	var outputDone func()
	if s.cfg.UsePTY {
		ptmx, err := startPTY(cmd)
		if err != nil {
			timer.Stop("error")
			s.metrics.RecordSpawn("failure")
			return nil, fmt.Errorf("%w: start pty: %v", bridge.ErrSpawnFailure, err)
		}
		p.ptmx = ptmx
		go scanOutput(ptmx, output, p.announce)
		outputDone = func() { ptmx.Close() }
	} else {
		prepareGroup(cmd)
		pr, pw := io.Pipe()
		cmd.Stdout = pw
		cmd.Stderr = pw
		if err := cmd.Start(); err != nil {
			pw.Close()
			timer.Stop("error")
			s.metrics.RecordSpawn("failure")
			return nil, fmt.Errorf("%w: %v", bridge.ErrSpawnFailure, err)
		}
		go scanOutput(pr, output, p.announce)
		outputDone = func() { pw.Close() }
	}
	p.StartedAt = time.Now()
	s.metrics.SetBackendState("", p.State().String())

	log.Info("backend started",
		zap.Int("pid", p.PID()),
		zap.String("addr", p.Addr()),
		zap.Bool("pty", s.cfg.UsePTY),
	)

	go s.monitor(p, outputDone, log)

	if err := s.waitReady(ctx, p); err != nil {
		status := "failure"
		if errors.Is(err, bridge.ErrStartupTimeout) {
			status = "timeout"
		}
		timer.Stop(status)
		s.metrics.RecordSpawn(status)
		log.Warn("backend failed to start", zap.Error(err))
		s.stop(p)
		return nil, err
	}

	s.transition(p, bridge.BackendReady)
	timer.Stop("success")
	s.metrics.RecordSpawn("success")
	log.Info("backend ready", zap.String("addr", p.Addr()), zap.Duration("startup", time.Since(p.StartedAt)))

	if s.cfg.HealthInterval > 0 {
		go s.watch(p, log)
	}
	return p, nil
}

// waitReady polls the listener with exponential backoff until it accepts a
// connection, the process exits, or the startup timeout expires.
func (s *Supervisor) waitReady(ctx context.Context, p *BackendProcess) error {
	startCtx := ctx
	if s.cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, s.cfg.StartupTimeout)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		if s.dial(p.Addr()) == nil {
			return nil
		}

		wait := retryablehttp.DefaultBackoff(20*time.Millisecond, 500*time.Millisecond, attempt, nil)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-p.announced:
			timer.Stop()
		case <-p.Done():
			timer.Stop()
			return fmt.Errorf("%w: exited during startup: %v", bridge.ErrSpawnFailure, p.Err())
		case <-startCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s not reachable after %s", bridge.ErrStartupTimeout, p.Addr(), s.cfg.StartupTimeout)
		}
	}
}

func (s *Supervisor) dial(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, s.cfg.DialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// monitor waits for the process to exit, runs exit hooks, then reports Terminated.
func (s *Supervisor) monitor(p *BackendProcess, outputDone func(), log *zap.Logger) {
	err := p.cmd.Wait()
	outputDone()
	p.markExited(err)

	expected := p.Expected()
	s.metrics.RecordExit(expected)
	if expected {
		log.Info("backend exited", zap.Error(err))
	} else {
		log.Warn("backend exited unexpectedly", zap.Error(err))
		s.transition(p, bridge.BackendDegraded)
	}

	s.mu.Lock()
	hooks := append([]ExitHook(nil), s.hooks...)
	s.mu.Unlock()
	for _, hook := range hooks {
		s.runHook(hook, p, log)
	}

	s.transition(p, bridge.BackendTerminated)
	close(p.terminated)
}

func (s *Supervisor) runHook(hook ExitHook, p *BackendProcess, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("exit hook panicked", zap.Any("panic", r))
		}
	}()
	hook(p)
}

// watch probes a Ready process and terminates it after consecutive failures.
func (s *Supervisor) watch(p *BackendProcess, log *zap.Logger) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-p.Done():
			return
		case <-ticker.C:
		}

		if s.HealthCheck(p) {
			failures = 0
			continue
		}
		failures++
		log.Warn("backend health probe failed", zap.Int("failures", failures))
		if failures >= s.cfg.HealthFailures {
			s.transition(p, bridge.BackendDegraded)
			log.Error("backend unhealthy, terminating")
			s.stop(p)
			return
		}
	}
}

func (s *Supervisor) transition(p *BackendProcess, next bridge.BackendState) {
	if prev, ok := p.setState(next); ok {
		s.metrics.SetBackendState(prev.String(), next.String())
	}
}

// HealthCheck reports whether p has not exited and its listener accepts a
// loopback connection within the dial timeout.
func (s *Supervisor) HealthCheck(p *BackendProcess) bool {
	if p == nil || p.exited() {
		return false
	}
	return s.dial(p.Addr()) == nil
}

// Terminate stops p: SIGTERM to its process group, the grace period, then
// SIGKILL. It returns after exit hooks have run. Calling it again is a no-op.
func (s *Supervisor) Terminate(p *BackendProcess) error {
	if p == nil {
		return nil
	}
	s.mu.Lock()
	sl, ok := s.slots[p.Command]
	s.mu.Unlock()
	if ok {
		_ = sl.acquire(context.Background())
		defer sl.release()
	}
	return s.stop(p)
}

func (s *Supervisor) stop(p *BackendProcess) error {
	if !p.beginTermination() {
		<-p.Terminated()
		return nil
	}

	var result error
	if !p.exited() {
		if err := terminateProcess(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			result = fmt.Errorf("signal backend %s: %w", p.ID, err)
		}

		grace := time.NewTimer(s.cfg.GracePeriod)
		select {
		case <-p.Done():
			grace.Stop()
		case <-grace.C:
			s.logger.Warn("backend ignored SIGTERM, killing",
				zap.String("backend_id", p.ID),
				zap.Duration("grace", s.cfg.GracePeriod),
			)
			if err := killProcess(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
				result = fmt.Errorf("kill backend %s: %w", p.ID, err)
			}
		}
	}

	<-p.Terminated()
	return result
}

// TerminateAll rejects further Acquire calls and terminates every process.
func (s *Supervisor) TerminateAll(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	g := new(errgroup.Group)
	for _, sl := range slots {
		sl := sl
		g.Go(func() error {
			if err := sl.acquire(ctx); err != nil {
				return err
			}
			defer sl.release()
			if sl.proc == nil {
				return nil
			}
			return s.stop(sl.proc)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Processes snapshots the current process of every launch command.
func (s *Supervisor) Processes() []ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ProcessInfo, 0, len(s.slots))
	for _, sl := range s.slots {
		p := sl.proc
		if p == nil {
			continue
		}
		out = append(out, ProcessInfo{
			ID:        p.ID,
			Command:   p.Command,
			PID:       p.PID(),
			Addr:      p.Addr(),
			State:     p.State().String(),
			StartedAt: p.StartedAt,
			Spawns:    sl.spawns,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}
