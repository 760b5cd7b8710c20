package rpc

import (
	"context"
)

// Remote is a stub for a function that lives on the other side of the
// channel. Calling it issues a call request naming the function's token.
type Remote struct {
	channel *Channel
	token   string
	source  string
}

// Call invokes the remote function and waits for its result
func (r *Remote) Call(ctx context.Context, args ...any) (any, error) {
	return r.channel.SendCall(ctx, r.token, args...)
}

// Token returns the token naming the function at its origin
func (r *Remote) Token() string {
	return r.token
}

// Source returns the function's source when the origin shipped it
func (r *Remote) Source() string {
	return r.source
}

// String describes the stub for logs
func (r *Remote) String() string {
	return "remote function " + r.token
}
