// Package bridge owns everything one mounted terminal application needs:
// the process supervisor, the session registry and the protocol translator,
// plus the lifespan that starts and stops them together.
//
// A Bridge is created once, started with Startup when the hosting server
// comes up and torn down with Shutdown. Nothing here is global, so several
// bridges (one per mounted application) can live in one process.
package bridge
