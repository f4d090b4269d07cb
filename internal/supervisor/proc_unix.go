//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// prepareGroup puts the child in its own process group so signals reach its children too.
func prepareGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// startPTY starts cmd attached to a new pseudo-terminal. The child becomes a
// session leader, so its pid is also its process group id.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return os.ErrProcessDone
	}
	err := syscall.Kill(-p.Pid, sig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH):
		return os.ErrProcessDone
	}
	return p.Signal(sig)
}

func terminateProcess(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

func killProcess(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}
