package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox/internal/codec"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox/internal/rpc"
	"github.com/GriffinCanCode/sandbox/internal/shared/id"
	"github.com/GriffinCanCode/sandbox/internal/transport"
	"github.com/GriffinCanCode/sandbox/internal/worker"
)

// Errors returned by sandbox operations
var (
	ErrPermissionDenied = rpc.ErrPermissionDenied
	ErrTimeout          = rpc.ErrTimeout
	ErrExecutionTimeout = rpc.ErrExecutionTimeout
	ErrUnknownCallable  = rpc.ErrUnknownCallable
	ErrInvalidState     = rpc.ErrInvalidState
	ErrSerialization    = rpc.ErrSerialization
	ErrNotCallable      = rpc.ErrNotCallable
)

// State is the lifecycle state of a sandbox
type State int32

const (
	StateCreated State = iota
	StateActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Sandbox is the host's handle on an isolated worker
type Sandbox struct {
	id      id.SandboxID
	channel *rpc.Channel
	worker  *worker.Worker
	logger  *zap.Logger
	metrics *monitoring.Metrics
	state   atomic.Int32

	context  *Context
	callable *Callable

	listenersMu sync.RWMutex
	listeners   map[string][]*Listener
}

// New creates a sandbox backed by an in-process worker
func New(opts ...Option) (*Sandbox, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	hostSide, workerSide := transport.NewPipe()
	s := newSandbox(o)

	w, err := worker.Serve(workerSide,
		worker.WithConfig(o.runtime),
		worker.WithPermissions(o.workerPerms),
		worker.WithFormat(o.format),
		worker.WithRequestTimeout(o.timeout),
		worker.WithLogger(s.logger),
		worker.WithMetrics(o.metrics),
		worker.WithTracer(o.tracer),
	)
	if err != nil {
		hostSide.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	s.worker = w
	s.connect(hostSide, o)

	return s, nil
}

// Dial creates a sandbox backed by a worker server at url
func Dial(ctx context.Context, url string, opts ...Option) (*Sandbox, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := newSandbox(o)
	wsOpts := append([]transport.Option{
		transport.WithLogger(s.logger),
		transport.WithMetrics(o.metrics),
	}, o.wsOptions...)

	conn, err := transport.Dial(ctx, url, wsOpts...)
	if err != nil {
		return nil, err
	}
	s.connect(conn, o)

	return s, nil
}

func newSandbox(o options) *Sandbox {
	sandboxID := id.NewSandboxID()
	s := &Sandbox{
		id:        sandboxID,
		logger:    logging.OrNop(o.logger).With(logging.Sandbox(sandboxID)),
		metrics:   o.metrics,
		listeners: make(map[string][]*Listener),
	}
	s.context = &Context{sandbox: s}
	s.callable = &Callable{sandbox: s, names: make(map[string]struct{})}
	return s
}

func (s *Sandbox) connect(t transport.Transport, o options) {
	s.channel = rpc.New(t, rpc.Reporter(s.reportError), o.hostPerms,
		rpc.WithTimeout(o.timeout),
		rpc.WithFormat(o.format),
		rpc.WithLogger(s.logger),
		rpc.WithMetrics(o.metrics),
		rpc.WithTracer(o.tracer),
		rpc.WithPeer("host"),
	)
	s.state.Store(int32(StateActive))
	s.metrics.SandboxCreated()
	s.logger.Debug("Sandbox created")
}

// reportError turns unsolicited worker errors into error events
func (s *Sandbox) reportError(err error) {
	s.logger.Debug("Worker reported error", zap.Error(err))
	if s.State() == StateDestroyed {
		return
	}
	s.dispatch(Event{Type: EventError, Detail: err})
}

// ID returns the sandbox id
func (s *Sandbox) ID() id.SandboxID {
	return s.id
}

// State returns the lifecycle state
func (s *Sandbox) State() State {
	return State(s.state.Load())
}

func (s *Sandbox) check(op string) error {
	if s.State() == StateDestroyed {
		return fmt.Errorf("%s: %w", op, ErrInvalidState)
	}
	return nil
}

// Execute runs code for its effects. The result is discarded.
func (s *Sandbox) Execute(ctx context.Context, code string) error {
	if err := s.check("execute"); err != nil {
		return err
	}
	_, err := s.channel.SendEval(ctx, code+"\n;undefined")
	return err
}

// Eval runs code and returns its value. A promise is settled first.
func (s *Sandbox) Eval(ctx context.Context, code string) (any, error) {
	if err := s.check("eval"); err != nil {
		return nil, err
	}
	return s.channel.SendEval(ctx, code)
}

// EvalFunc calls fn inside the worker with no arguments and returns its
// settled result. fn is a Go function, a codec.Script or a function
// obtained from the worker.
func (s *Sandbox) EvalFunc(ctx context.Context, fn any) (any, error) {
	if err := s.check("eval"); err != nil {
		return nil, err
	}
	if !codec.IsFunction(fn) {
		return nil, fmt.Errorf("eval: %w", ErrNotCallable)
	}
	return s.channel.SendEval(ctx, fn)
}

// Get reads a global of the worker. An unset name yields nil.
func (s *Sandbox) Get(ctx context.Context, name string) (any, error) {
	if err := s.check("get"); err != nil {
		return nil, err
	}
	return s.channel.SendAccess(ctx, name)
}

// Set binds a global of the worker
func (s *Sandbox) Set(ctx context.Context, name string, value any) error {
	if err := s.check("set"); err != nil {
		return err
	}
	return s.channel.SendAssign(ctx, name, value)
}

// Remove deletes a global of the worker
func (s *Sandbox) Remove(ctx context.Context, name string) error {
	if err := s.check("remove"); err != nil {
		return err
	}
	return s.channel.SendRemove(ctx, name)
}

// Assign binds every entry of values, in key order. It stops at the
// first failure; earlier entries stay bound.
func (s *Sandbox) Assign(ctx context.Context, values map[string]any) error {
	if err := s.check("assign"); err != nil {
		return err
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.channel.SendAssign(ctx, name, values[name]); err != nil {
			return fmt.Errorf("assign %s: %w", name, err)
		}
	}
	return nil
}

// Call invokes a callable registered with the worker
func (s *Sandbox) Call(ctx context.Context, name string, args ...any) (any, error) {
	if err := s.check("call"); err != nil {
		return nil, err
	}
	return s.channel.SendCall(ctx, name, args...)
}

// RegisterCall makes fn callable by name from the worker
func (s *Sandbox) RegisterCall(ctx context.Context, name string, fn any) error {
	if err := s.check("register"); err != nil {
		return err
	}
	if err := s.channel.SendRegister(ctx, name, fn); err != nil {
		return err
	}
	s.callable.add(name)
	return nil
}

// CancelCall removes a callable registered with the worker
func (s *Sandbox) CancelCall(ctx context.Context, name string) error {
	if err := s.check("cancel"); err != nil {
		return err
	}
	if err := s.channel.SendCancelRegister(ctx, name); err != nil {
		return err
	}
	s.callable.remove(name)
	return nil
}

// Context returns an accessor for the worker's globals
func (s *Sandbox) Context() *Context {
	return s.context
}

// Callable returns an accessor for the worker's callable registry
func (s *Sandbox) Callable() *Callable {
	return s.callable
}

// Destroy terminates the worker. Requests in flight fail with
// ErrInvalidState. It reports true the first time and false afterwards.
func (s *Sandbox) Destroy() bool {
	for {
		current := s.state.Load()
		if State(current) == StateDestroyed {
			return false
		}
		if s.state.CompareAndSwap(current, int32(StateDestroyed)) {
			break
		}
	}

	if err := s.channel.Close(); err != nil {
		s.logger.Debug("Channel close failed", zap.Error(err))
	}
	if s.worker != nil {
		if err := s.worker.Close(); err != nil {
			s.logger.Debug("Worker close failed", zap.Error(err))
		}
	}
	s.dropListeners()
	s.metrics.SandboxDestroyed()
	s.logger.Debug("Sandbox destroyed")
	return true
}
