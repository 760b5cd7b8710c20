// Command sandbox evaluates JavaScript in an isolated sandbox and prints
// the result as JSON.
//
// By default the sandbox runs in-process. With --remote the code is sent
// to a sandbox-worker server instead:
//
//	sandbox -e '[1, 2, 3].map(x => x * 2)'
//	sandbox --file script.js --timeout 5s
//	sandbox --remote ws://localhost:8700/sandbox --codec cbor -e 'Promise.resolve(42)'
//
// Errors thrown by the code are reported on stderr with a non-zero exit
// status.
package main
