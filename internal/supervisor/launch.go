package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

// ListenAnnouncePrefix starts the stdout/stderr line a self-binding child prints.
const ListenAnnouncePrefix = "TERMBRIDGE_LISTEN="

// Environment variables handed to every child.
const (
	EnvPort    = "PORT"
	EnvHost    = "TERMBRIDGE_HOST"
	EnvPortAlt = "TERMBRIDGE_PORT"
	EnvAddr    = "TERMBRIDGE_ADDR"
)

type listenTarget struct {
	host string
	port string
}

func (t listenTarget) addr() string {
	return net.JoinHostPort(t.host, t.port)
}

// reservePort binds an ephemeral port on host and releases it for the child.
func reservePort(host string) (listenTarget, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return listenTarget{}, fmt.Errorf("reserve port: %w", err)
	}
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	return listenTarget{host: host, port: strconv.Itoa(port)}, nil
}

// buildArgv splits command with shell quoting rules and fills placeholders.
func buildArgv(command string, target listenTarget) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse launch command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty launch command")
	}

	r := strings.NewReplacer(
		"{port}", target.port,
		"{host}", target.host,
		"{addr}", target.addr(),
	)
	for i, arg := range argv {
		argv[i] = r.Replace(arg)
	}
	return argv, nil
}

// buildEnv returns base plus the listen target and extra entries; later entries win.
func buildEnv(base, extra []string, target listenTarget, pty bool) []string {
	env := make([]string, 0, len(base)+len(extra)+5)
	env = append(env, base...)
	env = append(env,
		EnvPort+"="+target.port,
		EnvHost+"="+target.host,
		EnvPortAlt+"="+target.port,
		EnvAddr+"="+target.addr(),
	)
	if pty {
		env = append(env, "TERM=xterm-256color")
	}
	return append(env, extra...)
}

// scanOutput logs child output and reports listen announcements.
func scanOutput(r io.Reader, logger *zap.Logger, onAnnounce func(addr string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if addr, ok := parseAnnounce(line); ok {
			logger.Info("backend announced listener", zap.String("addr", addr))
			onAnnounce(addr)
			continue
		}
		logger.Debug(line)
	}
	// drain so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

func parseAnnounce(line string) (string, bool) {
	i := strings.Index(line, ListenAnnouncePrefix)
	if i < 0 {
		return "", false
	}
	addr := strings.TrimSpace(line[i+len(ListenAnnouncePrefix):])
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return "", false
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return addr, true
}
