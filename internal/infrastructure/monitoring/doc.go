/*
Package monitoring provides metrics collection for the terminal bridge.

# Overview

Prometheus metrics covering the three moving parts of the bridge: proxied HTTP
requests, WebSocket relays, sessions and the supervised backend processes.
Every Metrics instance registers on its own registry so several bridges (or
tests) can live in one process.

# Usage

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	// Gin middleware for the standalone server
	router.Use(monitoring.Middleware(metrics))

	// Exposition
	router.GET("/_termbridge/metrics", gin.WrapH(metrics.Handler()))

	// Time operations
	timer := monitoring.NewTimer(metrics, "supervisor", "spawn")
	// ... perform operation ...
	timer.Stop("success")

All recording methods are safe to call on a nil *Metrics, which lets library
users embed the bridge without metrics.
*/
package monitoring
