package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox/internal/codec"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/sandbox/internal/protocol"
	"github.com/GriffinCanCode/sandbox/internal/rpc"
	"github.com/GriffinCanCode/sandbox/internal/transport"
)

// Worker is the sandbox side of a channel: a goja runtime serving host
// requests one at a time on its loop
type Worker struct {
	loop    *Loop
	runtime *Runtime
	channel *rpc.Channel
	logger  *zap.Logger

	closeOnce sync.Once
}

// Option configures a Worker
type Option func(*options)

type options struct {
	config         Config
	perms          *protocol.Permissions
	format         codec.Format
	requestTimeout time.Duration
	logger         *zap.Logger
	metrics        *monitoring.Metrics
	tracer         *tracing.Tracer
}

// WithConfig sets the runtime limits
func WithConfig(c Config) Option {
	return func(o *options) {
		o.config = c
	}
}

// WithPermissions replaces the worker's default permission set
func WithPermissions(p *protocol.Permissions) Option {
	return func(o *options) {
		o.perms = p
	}
}

// WithFormat selects the wire encoding
func WithFormat(f codec.Format) Option {
	return func(o *options) {
		o.format = f
	}
}

// WithRequestTimeout bounds requests the worker sends to the host
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		o.requestTimeout = d
	}
}

// WithLogger sets the logger. Console output goes to it as well.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics records channel metrics
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer records spans for requests the worker serves and sends
func WithTracer(t *tracing.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// Serve starts a worker answering requests arriving on t. It runs until
// Close is called or the transport closes.
func Serve(t transport.Transport, opts ...Option) (*Worker, error) {
	o := options{
		config:         DefaultConfig(),
		perms:          protocol.WorkerDefaults(),
		format:         codec.JSON,
		requestTimeout: rpc.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	base := logging.OrNop(o.logger)
	logger := base.With(logging.Peer("worker"))

	loop := NewLoop()
	rt, err := NewRuntime(o.config, loop, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime: %w", err)
	}

	w := &Worker{
		loop:    loop,
		runtime: rt,
		logger:  logger,
	}
	w.channel = rpc.New(t, w, o.perms,
		rpc.WithExecutor(w),
		rpc.WithAwaiter(w.await),
		rpc.WithCompiler(rt),
		rpc.WithFormat(o.format),
		rpc.WithTimeout(o.requestTimeout),
		rpc.WithLogger(base),
		rpc.WithMetrics(o.metrics),
		rpc.WithTracer(o.tracer),
		rpc.WithPeer("worker"),
	)
	rt.SetBridge(w.channel)

	// Jobs queued so far run once the bridge is in place
	go loop.Run()
	go func() {
		<-w.channel.Done()
		w.Close()
	}()

	logger.Debug("Worker started", zap.Strings("permissions", o.perms.Strings()))
	return w, nil
}

// Execute queues inbound work on the loop. It implements rpc.Executor.
func (w *Worker) Execute(job func()) {
	w.loop.Execute(func() {
		job()
		w.runtime.FlushRejections()
	})
}

// await waits for a request the worker sent while servicing other jobs.
// It runs on the loop goroutine.
func (w *Worker) await(ctx context.Context, fut *rpc.Future) (any, error) {
	if err := w.loop.Await(ctx, fut.Done()); err != nil {
		fut.Abandon(fmt.Errorf("%s abandoned: %w", fut.Kind, err))
	}
	return fut.Result()
}

// Do runs fn against the runtime on the loop and waits for it
func (w *Worker) Do(ctx context.Context, fn func(rt *Runtime)) error {
	return w.loop.Do(ctx, func() {
		fn(w.runtime)
		w.runtime.FlushRejections()
	})
}

// Channel returns the worker's side of the channel
func (w *Worker) Channel() *rpc.Channel {
	return w.channel
}

// Done is closed once the worker has stopped
func (w *Worker) Done() <-chan struct{} {
	return w.loop.Stopped()
}

// Close stops the worker. Requests in flight on either side fail.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.channel.Close()
		w.loop.Stop()
		w.runtime.Close()
		w.logger.Debug("Worker stopped")
	})
	return err
}

// ============================================================================
// rpc.Handler
// ============================================================================

// Eval evaluates source text, or calls a function with no arguments, and
// settles a returned promise
func (w *Worker) Eval(ctx context.Context, code any) (any, error) {
	var (
		val goja.Value
		err error
	)
	switch c := code.(type) {
	case string:
		val, err = w.runtime.Run(ctx, c)
	case nil:
		return nil, nil
	default:
		if !codec.IsFunction(code) {
			return nil, fmt.Errorf("eval: %w", rpc.ErrNotCallable)
		}
		var fnVal goja.Value
		fnVal, err = w.runtime.ToJS(code)
		if err != nil {
			return nil, err
		}
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return nil, fmt.Errorf("eval: %w", rpc.ErrNotCallable)
		}
		val, err = w.runtime.Call(ctx, fn)
	}
	if err != nil {
		return nil, err
	}

	val, err = w.runtime.Settle(ctx, val)
	if err != nil {
		return nil, err
	}
	return w.runtime.ToGo(val)
}

// Assign binds name in the worker's global scope
func (w *Worker) Assign(_ context.Context, name string, value any) error {
	return w.runtime.Set(name, value)
}

// Access reads name from the worker's global scope
func (w *Worker) Access(_ context.Context, name string) (any, error) {
	return w.runtime.Get(name)
}

// Remove deletes name from the worker's global scope
func (w *Worker) Remove(_ context.Context, name string) error {
	return w.runtime.Delete(name)
}

// Report logs errors the host sent without a request
func (w *Worker) Report(err error) {
	w.logger.Warn("Host reported error", zap.Error(err))
}
