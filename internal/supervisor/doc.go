/*
Package supervisor spawns and supervises backend application processes.

# Overview

Each distinct launch command maps to at most one live BackendProcess. Acquire
returns that process when it is Ready, or spawns a new one and waits until its
private loopback listener accepts TCP connections.

# Address discovery

Before spawning, the supervisor reserves a free loopback port and hands it to
the child three ways:

  - environment: PORT, TERMBRIDGE_HOST, TERMBRIDGE_PORT, TERMBRIDGE_ADDR
  - placeholders in the launch command: {port}, {host}, {addr}
  - nothing else; a child that binds its own port prints
    TERMBRIDGE_LISTEN=<host:port> on stdout or stderr instead

# Lifecycle

	Starting -> Ready -> Degraded -> Terminated
	    \                              ^
	     `------------------------------'

An unexpected exit moves the process to Degraded, runs the exit hooks (which
close bound sessions) and only then reports Terminated. The next Acquire
respawns, throttled by a per-command token bucket.
*/
package supervisor
