package supervisor

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/GriffinCanCode/termbridge/internal/domain/bridge"
)

// BackendProcess is one spawned backend application.
type BackendProcess struct {
	ID        string
	Command   string
	StartedAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	mu          sync.RWMutex
	state       bridge.BackendState
	addr        string
	exitErr     error
	terminating bool

	announced  chan struct{}
	done       chan struct{}
	terminated chan struct{}
}

func newProcess(id, command string, cmd *exec.Cmd, addr string) *BackendProcess {
	return &BackendProcess{
		ID:         id,
		Command:    command,
		cmd:        cmd,
		addr:       addr,
		state:      bridge.BackendStarting,
		announced:  make(chan struct{}, 1),
		done:       make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

// Addr returns the backend's private listener address (host:port).
func (p *BackendProcess) Addr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.addr
}

// State returns the current lifecycle state.
func (p *BackendProcess) State() bridge.BackendState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// PID returns the OS process id, or 0 before start.
func (p *BackendProcess) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed as soon as the OS process has exited.
func (p *BackendProcess) Done() <-chan struct{} {
	return p.done
}

// Terminated is closed once exit hooks have run and the state is Terminated.
func (p *BackendProcess) Terminated() <-chan struct{} {
	return p.terminated
}

// Err returns the exit error once the process has exited.
func (p *BackendProcess) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Expected reports whether the exit (if any) was requested by the supervisor.
func (p *BackendProcess) Expected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.terminating
}

func (p *BackendProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// setState applies a transition allowed by the state machine and returns the previous state.
func (p *BackendProcess) setState(next bridge.BackendState) (bridge.BackendState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.state
	if !prev.CanTransition(next) {
		return prev, false
	}
	p.state = next
	return prev, true
}

func (p *BackendProcess) announce(addr string) {
	p.mu.Lock()
	p.addr = addr
	p.mu.Unlock()

	select {
	case p.announced <- struct{}{}:
	default:
	}
}

// beginTermination marks the exit as requested; false if it already was.
func (p *BackendProcess) beginTermination() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminating {
		return false
	}
	p.terminating = true
	return true
}

func (p *BackendProcess) markExited(err error) {
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

// ProcessInfo is a point-in-time view of a process for the admin surface.
type ProcessInfo struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Spawns    int       `json:"spawns"`
}
