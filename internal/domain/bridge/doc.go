// Package bridge defines the data model shared by the terminal bridge components.
//
// The bridge makes a terminal application that serves its own HTTP/WebSocket
// surface on a private loopback listener reachable through a mountable
// http.Handler. This package holds only plain types:
//
//   - SessionState: Created → Active → Idle → Closed
//   - BackendState: Starting → Ready → Degraded → Terminated
//   - StreamFrame: one relayed payload unit tagged with direction and session
//   - Error taxonomy: sentinel errors and their HTTP status mapping
//
// Ownership:
//   - Sessions are owned by the session registry
//   - Backend processes are owned by the supervisor
//   - Frames are transient and never outlive the relay that produced them
package bridge
