// Package rpc implements the permission-gated request/response channel
// connecting a host and a sandbox worker.
//
// Each side owns a Channel. Outbound requests are checked against the
// peer's SEND permissions before anything is transmitted, correlated by
// message id and settled by the matching response, an error reply or a
// timeout. Inbound requests are checked against RECEIVE permissions and
// served by a Handler on the channel's Executor. The channel also owns
// the peer's callable registry: named callables registered by the remote
// side and the function tokens minted when local functions are sent.
package rpc
