package transport

import "errors"

// ErrClosed is returned by Send after the transport has been closed
var ErrClosed = errors.New("transport closed")

// Transport is a bidirectional message channel
type Transport interface {
	// Send transmits one message. The slice may be reused after Send returns.
	Send(data []byte) error

	// OnMessage installs the inbound callback. Only the last callback
	// installed receives messages.
	OnMessage(handler func(data []byte))

	// Close tears the channel down for both directions
	Close() error

	// Done is closed once the transport is closed, locally or remotely
	Done() <-chan struct{}
}
