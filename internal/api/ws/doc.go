// Package ws serves sandbox workers over WebSocket.
//
// Each connection to the sandbox endpoint gets its own goja worker. The
// connection's frames carry the RPC protocol, so a host on the other end
// drives the worker with sandbox.Dial exactly as it would an in-process
// one. The worker lives as long as the connection: closing either side
// stops it.
package ws
