/*
Package monitoring provides Prometheus metrics for sandboxes and the RPC
layer.

# Overview

Every Metrics value owns its registry, so a worker server and tests can
create independent collectors. Methods are safe on a nil *Metrics, which
lets components take metrics as an optional dependency.

Tracked series:

- RPC requests by type and outcome, round trip latency
- Inbound messages and permission denials
- Pending requests and callable registry size
- Live and total sandboxes
- WebSocket connections, frames and bytes
- HTTP requests served by the worker server

# Usage

	metrics := monitoring.NewMetrics(nil)
	defer metrics.Close()

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "eval")
	// ... await the response ...
	timer.Stop(monitoring.OutcomeOK)
*/
package monitoring
