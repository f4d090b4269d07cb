package testutil

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Environment switches read by the child backend.
const (
	EnvBackend    = "TERMBRIDGE_TEST_BACKEND"
	EnvSelfBind   = "TERMBRIDGE_TEST_SELF_BIND"
	EnvHang       = "TERMBRIDGE_TEST_HANG"
	EnvExit       = "TERMBRIDGE_TEST_EXIT"
	EnvIgnoreTerm = "TERMBRIDGE_TEST_IGNORE_TERM"
)

// RunBackendIfRequested turns the current test binary into the backend
// application when EnvBackend is set, and never returns in that case.
func RunBackendIfRequested() {
	if os.Getenv(EnvBackend) != "1" {
		return
	}
	os.Exit(runChild())
}

// Command returns a launch command that re-executes the running test binary.
func Command() string {
	return "'" + os.Args[0] + "'"
}

// Env returns the environment that makes Command act as the backend.
func Env(extra ...string) []string {
	return append([]string{EnvBackend + "=1"}, extra...)
}

func runChild() int {
	if code := os.Getenv(EnvExit); code != "" {
		n, _ := strconv.Atoi(code)
		return n
	}

	stop := make(chan os.Signal, 1)
	if os.Getenv(EnvIgnoreTerm) == "1" {
		signal.Ignore(syscall.SIGTERM)
	} else {
		signal.Notify(stop, syscall.SIGTERM, os.Interrupt)
	}

	if os.Getenv(EnvHang) == "1" {
		for {
			select {
			case <-stop:
				return 0
			case <-time.After(time.Hour):
			}
		}
	}

	addr := os.Getenv("TERMBRIDGE_ADDR")
	selfBind := os.Getenv(EnvSelfBind) == "1"
	if selfBind {
		addr = "127.0.0.1:0"
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", addr, err)
		return 2
	}
	if selfBind {
		fmt.Printf("booting\nTERMBRIDGE_LISTEN=%s\n", l.Addr())
	}

	srv := &http.Server{Handler: newBackend(true)}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()

	select {
	case <-stop:
		_ = srv.Close()
		return 0
	case err := <-errc:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}
