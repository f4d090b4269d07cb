// Package ingress exposes a Bridge to a hosting HTTP server.
//
// The Adapter is an http.Handler: each request or WebSocket upgrade is
// resolved to a session by its correlation token (cookie first, then query
// parameter), bound to the shared backend process and handed to the protocol
// translator. Startup and Shutdown are the lifespan hooks the host calls
// when it starts serving and before it stops.
//
// Install ConnContext on the http.Server so the first session seen on a
// transport connection stays pinned to it:
//
//	srv := &http.Server{Handler: adapter, ConnContext: ingress.ConnContext}
package ingress
