package rpc

import (
	"context"
	"errors"
	"fmt"
)

// Handler is the local API surface a peer exposes to the remote side.
// Calls arrive through the channel's executor.
type Handler interface {
	// Eval runs code, which is either source text or a function
	Eval(ctx context.Context, code any) (any, error)
	Assign(ctx context.Context, name string, value any) error
	Access(ctx context.Context, name string) (any, error)
	Remove(ctx context.Context, name string) error

	// Report receives errors the remote side sent without a request
	Report(err error)
}

// Reporter is a Handler for peers that only accept unsolicited errors.
// Every other operation is unsupported.
type Reporter func(err error)

// Eval is unsupported
func (r Reporter) Eval(context.Context, any) (any, error) {
	return nil, fmt.Errorf("eval: %w", errors.ErrUnsupported)
}

// Assign is unsupported
func (r Reporter) Assign(context.Context, string, any) error {
	return fmt.Errorf("assign: %w", errors.ErrUnsupported)
}

// Access is unsupported
func (r Reporter) Access(context.Context, string) (any, error) {
	return nil, fmt.Errorf("access: %w", errors.ErrUnsupported)
}

// Remove is unsupported
func (r Reporter) Remove(context.Context, string) error {
	return fmt.Errorf("remove: %w", errors.ErrUnsupported)
}

// Report forwards err
func (r Reporter) Report(err error) {
	if r != nil {
		r(err)
	}
}
