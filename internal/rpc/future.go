package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/sandbox/internal/protocol"
	"github.com/GriffinCanCode/sandbox/internal/shared/id"
)

// Future is the pending completion of one outbound request
type Future struct {
	ID   id.MessageID
	Kind protocol.OperationKind

	done    chan struct{}
	once    sync.Once
	value   any
	err     error
	timer   *time.Timer
	abandon func(err error)
}

func newFuture(msgID id.MessageID, kind protocol.OperationKind) *Future {
	return &Future{
		ID:   msgID,
		Kind: kind,
		done: make(chan struct{}),
	}
}

// settle completes the future. Only the first call has an effect.
func (f *Future) settle(value any, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value, f.err = value, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future settles
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled value. It must only be called after Done.
func (f *Future) Result() (any, error) {
	<-f.done
	return f.value, f.err
}

// Wait blocks until the future settles or ctx ends. Giving up drops the
// pending entry; the remote side may still run the request.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		f.Abandon(contextError(ctx.Err(), f.Kind))
		return f.Result()
	}
}

// Abandon settles the future with err and drops its pending entry.
// It has no effect on a settled future.
func (f *Future) Abandon(err error) {
	if f.abandon != nil {
		f.abandon(err)
		return
	}
	f.settle(nil, err)
}

// contextError maps a context failure onto the channel's taxonomy
func contextError(err error, kind protocol.OperationKind) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, kind, err)
	}
	return fmt.Errorf("%s abandoned: %w", kind, err)
}
