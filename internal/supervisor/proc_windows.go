//go:build windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
)

var errPTYUnsupported = errors.New("pty launch is not supported on windows")

func prepareGroup(cmd *exec.Cmd) {}

func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, errPTYUnsupported
}

// Windows has no SIGTERM; both stages kill.
func terminateProcess(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}

func killProcess(p *os.Process) error {
	return terminateProcess(p)
}
