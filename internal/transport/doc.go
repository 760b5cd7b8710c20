/*
Package transport carries serialized messages between the two peers of a
sandbox.

A Transport is an opaque, ordered, message-oriented channel. It knows
nothing about the protocol: the RPC layer hands it encoded bytes and
receives encoded bytes back through the OnMessage callback.

Two implementations are provided:

  - NewPipe returns both ends of an in-process channel, used when the
    worker runs in the same process as the host.
  - NewWebSocket and Dial wrap a gorilla/websocket connection, used when
    the worker runs behind the sandbox-worker server. Frames are binary,
    optionally zstd-compressed above a size threshold, and inbound
    traffic can be rate limited.

Delivery to the OnMessage callback happens on a single goroutine per
transport, in arrival order. Messages arriving before a callback is
installed are held until one is.
*/
package transport
