// Command termbridge serves a terminal application over HTTP and WebSocket.
//
// The application is launched as a child process listening on a private
// loopback port; termbridge mounts it under a URL prefix, gives every
// browser client a session, and relays requests and WebSocket frames.
//
// Usage:
//
//	termbridge --prefix /app -- python -m myapp --port {port}
//	termbridge --config termbridge.toml
//
// Flags override environment variables, which override the config file.
package main
