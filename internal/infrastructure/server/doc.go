// Package server runs termbridge as a standalone HTTP server.
//
// This package wires the components together:
//   - HTTP routing with Gin framework
//   - Middleware stack (recovery, tracing, metrics, CORS, rate limiting)
//   - The bridge, mounted at the configured prefix
//   - Admin endpoints under /_termbridge (health, sessions, metrics)
//
// Server Lifecycle:
//  1. Load configuration from defaults, file, environment and flags
//  2. Initialize logger (production or development)
//  3. Build the bridge and its ingress adapter
//  4. Setup HTTP routes and middleware
//  5. Start the bridge (reaper, eager backend spawn)
//  6. Serve until the context is cancelled
//  7. Shut the bridge down, then drain the HTTP server
//
// Example Usage:
//
//	cfg, _ := config.LoadFile("termbridge.toml")
//	logger, _ := logging.New(logging.DefaultConfig())
//	srv, err := server.NewServer(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
