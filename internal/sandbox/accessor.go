package sandbox

import (
	"context"
	"sync"

	"github.com/GriffinCanCode/sandbox/internal/codec"
)

// Context reads and writes the worker's globals. Each call is its own
// round trip.
type Context struct {
	sandbox *Sandbox
}

// Get reads name. Functions come back callable.
func (c *Context) Get(ctx context.Context, name string) (any, error) {
	return c.sandbox.Get(ctx, name)
}

// Set binds name to value
func (c *Context) Set(ctx context.Context, name string, value any) error {
	return c.sandbox.Set(ctx, name, value)
}

// Delete removes name
func (c *Context) Delete(ctx context.Context, name string) error {
	return c.sandbox.Remove(ctx, name)
}

// Callable manages the worker's callable registry by name
type Callable struct {
	sandbox *Sandbox

	mu    sync.Mutex
	names map[string]struct{}
}

func (c *Callable) add(name string) {
	c.mu.Lock()
	c.names[name] = struct{}{}
	c.mu.Unlock()
}

func (c *Callable) remove(name string) {
	c.mu.Lock()
	delete(c.names, name)
	c.mu.Unlock()
}

// Get returns a function invoking the callable registered under name
// through this sandbox, or nil when there is none
func (c *Callable) Get(name string) (codec.Function, error) {
	if err := c.sandbox.check("get callable"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	_, ok := c.names[name]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return codec.Func(func(ctx context.Context, args ...any) (any, error) {
		return c.sandbox.Call(ctx, name, args...)
	}), nil
}

// Set registers fn under name. fn must be a function.
func (c *Callable) Set(ctx context.Context, name string, fn any) error {
	return c.sandbox.RegisterCall(ctx, name, fn)
}

// Delete removes the callable registered under name
func (c *Callable) Delete(ctx context.Context, name string) error {
	return c.sandbox.CancelCall(ctx, name)
}

// Call invokes the callable registered under name
func (c *Callable) Call(ctx context.Context, name string, args ...any) (any, error) {
	return c.sandbox.Call(ctx, name, args...)
}
