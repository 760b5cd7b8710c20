// Command sandbox-worker serves JavaScript sandboxes over WebSocket.
//
// Every connection to /sandbox gets its own isolated worker, driven by a
// host through sandbox.Dial or the sandbox command's --remote flag.
//
// Configuration comes from the environment (PORT, HOST, SANDBOX_CODEC,
// SANDBOX_EXEC_TIMEOUT, SANDBOX_WORKER_PERMISSIONS, LOG_LEVEL, ...) and
// may be overridden by flags:
//
//	sandbox-worker --port 8700 --codec cbor
//	sandbox-worker --permissions profile.yaml --dev
//
// Endpoints:
//   - GET /sandbox: WebSocket upgrade, one worker per connection
//   - GET /health: liveness and summary metrics
//   - GET /metrics: Prometheus metrics
//
// SIGINT and SIGTERM stop the server and every worker.
package main
