package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox/internal/codec"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox/internal/rpc"
)

// Bridge is the runtime's path back to the host
type Bridge interface {
	Invoke(ctx context.Context, name string, args ...any) (any, error)
	SendError(err error) error
}

// Config defines runtime limits
type Config struct {
	ExecTimeout  time.Duration // Per evaluation, zero for none
	MaxCallStack int           // goja call stack depth, zero for goja's default
	Console      bool          // Install console.log/info/warn/error/debug
}

// DefaultConfig returns the default runtime limits
func DefaultConfig() Config {
	return Config{
		ExecTimeout:  10 * time.Second,
		MaxCallStack: 1024,
		Console:      true,
	}
}

// Runtime wraps a goja VM with the sandbox globals. Apart from Close,
// its methods must run on the loop.
type Runtime struct {
	vm     *goja.Runtime
	config Config
	loop   *Loop
	bridge Bridge
	logger *zap.Logger

	// current evaluation context and nesting depth
	ctx   context.Context
	depth int

	// JS wrappers around Go functions, mapped back on the way out, and
	// the wrapper of each host function token
	natives  map[*goja.Object]codec.Function
	wrappers map[string]*goja.Object

	// rejected promises nobody handled yet
	rejected []*goja.Promise

	timersMu  sync.Mutex
	timers    map[int64]*time.Timer
	nextTimer int64
}

// NewRuntime creates a sandboxed runtime whose jobs run on loop
func NewRuntime(config Config, loop *Loop, logger *zap.Logger) (*Runtime, error) {
	vm := goja.New()

	r := &Runtime{
		vm:      vm,
		config:  config,
		loop:    loop,
		logger:  logging.OrNop(logger),
		ctx:     context.Background(),
		natives:  make(map[*goja.Object]codec.Function),
		wrappers: make(map[string]*goja.Object),
		timers:   make(map[int64]*time.Timer),
	}

	if config.MaxCallStack > 0 {
		vm.SetMaxCallStackSize(config.MaxCallStack)
	}
	vm.SetPromiseRejectionTracker(r.trackRejection)

	if err := r.setupGlobals(); err != nil {
		return nil, err
	}

	return r, nil
}

// SetBridge connects the runtime to its channel
func (r *Runtime) SetBridge(b Bridge) {
	r.bridge = b
}

// setupGlobals configures global objects and security
func (r *Runtime) setupGlobals() error {
	// Remove Node.js style globals
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := r.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	global := r.vm.GlobalObject()
	for _, alias := range []string{"self", "window"} {
		if err := r.vm.Set(alias, global); err != nil {
			return err
		}
	}

	if r.config.Console {
		console := r.vm.NewObject()
		for _, level := range []string{"log", "info", "warn", "error", "debug"} {
			if err := console.Set(level, r.makeConsoleFunc(level)); err != nil {
				return err
			}
		}
		if err := r.vm.Set("console", console); err != nil {
			return err
		}
	}

	globals := map[string]any{
		"reportError":  r.reportError,
		"callable":     r.callCallable,
		"setTimeout":   r.setTimeout,
		"clearTimeout": r.clearTimeout,
		// Intervals are not supported
		"setInterval": func(goja.FunctionCall) goja.Value {
			return goja.Undefined()
		},
	}
	for name, fn := range globals {
		if err := r.vm.Set(name, fn); err != nil {
			return err
		}
	}

	return nil
}

// makeConsoleFunc creates a console function writing to the logger
func (r *Runtime) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")

		field := zap.String("source", "console")
		switch level {
		case "error":
			r.logger.Error(msg, field)
		case "warn":
			r.logger.Warn(msg, field)
		case "debug":
			r.logger.Debug(msg, field)
		default:
			r.logger.Info(msg, field)
		}
		return goja.Undefined()
	}
}

// reportError sends an error to the host without a request
func (r *Runtime) reportError(call goja.FunctionCall) goja.Value {
	err := r.jsError(call.Argument(0))
	if r.bridge == nil {
		r.logger.Warn("Error reported without a host", zap.Error(err))
		return goja.Undefined()
	}
	if sendErr := r.bridge.SendError(err); sendErr != nil {
		panic(r.toJSError(sendErr))
	}
	return goja.Undefined()
}

// callCallable invokes a callable registered with this worker
func (r *Runtime) callCallable(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	if r.bridge == nil {
		panic(r.toJSError(fmt.Errorf("%w: %s is not defined", rpc.ErrUnknownCallable, name)))
	}

	args, err := r.exportArgs(call.Arguments[min(1, len(call.Arguments)):])
	if err != nil {
		panic(r.toJSError(err))
	}
	result, err := r.bridge.Invoke(r.ctx, name, args...)
	if err != nil {
		panic(r.toJSError(err))
	}
	val, err := r.ToJS(result)
	if err != nil {
		panic(r.toJSError(err))
	}
	return val
}

func (r *Runtime) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(r.vm.NewTypeError("setTimeout: callback is not a function"))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	r.timersMu.Lock()
	r.nextTimer++
	timerID := r.nextTimer
	r.timers[timerID] = time.AfterFunc(max(delay, 0), func() {
		r.loop.Execute(func() {
			if !r.dropTimer(timerID) {
				return
			}
			if _, err := r.guard(context.Background(), func() (goja.Value, error) {
				return fn(goja.Undefined(), args...)
			}); err != nil {
				r.report(err)
			}
		})
	})
	r.timersMu.Unlock()

	return r.vm.ToValue(timerID)
}

func (r *Runtime) clearTimeout(call goja.FunctionCall) goja.Value {
	timerID := call.Argument(0).ToInteger()
	r.timersMu.Lock()
	if t, ok := r.timers[timerID]; ok {
		t.Stop()
		delete(r.timers, timerID)
	}
	r.timersMu.Unlock()
	return goja.Undefined()
}

// dropTimer forgets a timer, reporting whether it was still pending
func (r *Runtime) dropTimer(timerID int64) bool {
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	if _, ok := r.timers[timerID]; !ok {
		return false
	}
	delete(r.timers, timerID)
	return true
}

// ============================================================================
// Execution
// ============================================================================

// Run evaluates script in the global scope with the execution timeout
func (r *Runtime) Run(ctx context.Context, script string) (goja.Value, error) {
	return r.guard(ctx, func() (goja.Value, error) {
		return r.vm.RunString(script)
	})
}

// Call invokes fn with the execution timeout
func (r *Runtime) Call(ctx context.Context, fn goja.Callable, args ...goja.Value) (goja.Value, error) {
	return r.guard(ctx, func() (goja.Value, error) {
		return fn(goja.Undefined(), args...)
	})
}

// guard runs fn with a watchdog that interrupts the VM when ctx ends or
// the execution timeout passes
func (r *Runtime) guard(ctx context.Context, fn func() (goja.Value, error)) (goja.Value, error) {
	if r.config.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ExecTimeout)
		defer cancel()
	}

	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				r.vm.Interrupt("execution timeout exceeded")
			} else {
				r.vm.Interrupt("context cancelled")
			}
		case <-stop:
		}
	}()

	prev := r.ctx
	r.ctx = ctx
	r.depth++
	val, err := fn()
	r.depth--
	r.ctx = prev

	close(stop)
	<-exited
	if r.depth == 0 {
		r.vm.ClearInterrupt()
	}

	if err != nil {
		return nil, r.fail(ctx, err)
	}
	return val, nil
}

// fail converts a goja error into the error crossing the boundary
func (r *Runtime) fail(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", rpc.ErrExecutionTimeout, interrupted.Value())
		}
		return fmt.Errorf("%w: %v", rpc.ErrInvalidState, interrupted.Value())
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return r.jsError(exception.Value())
	}
	return err
}

// Settle waits for a promise to settle, running other loop jobs in the
// meantime. Any other value is returned unchanged.
func (r *Runtime) Settle(ctx context.Context, val goja.Value) (goja.Value, error) {
	obj, ok := val.(*goja.Object)
	if !ok || obj.ClassName() != "Promise" {
		return val, nil
	}
	p, ok := obj.Export().(*goja.Promise)
	if !ok {
		return val, nil
	}

	// Attaching handlers also marks a rejection as handled
	settled := make(chan struct{})
	var once sync.Once
	onSettled := r.vm.ToValue(func(goja.FunctionCall) goja.Value {
		once.Do(func() { close(settled) })
		return goja.Undefined()
	})
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		return val, nil
	}
	if _, err := then(obj, onSettled, onSettled); err != nil {
		return nil, r.fail(ctx, err)
	}

	if p.State() == goja.PromiseStatePending {
		if r.config.ExecTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.config.ExecTimeout)
			defer cancel()
		}
		if err := r.loop.Await(ctx, settled); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: promise did not settle", rpc.ErrExecutionTimeout)
			}
			return nil, fmt.Errorf("%w: %v", rpc.ErrInvalidState, err)
		}
	}

	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, r.jsError(p.Result())
	}
	return nil, fmt.Errorf("%w: promise did not settle", rpc.ErrExecutionTimeout)
}

// Compile evaluates a function expression in the global scope.
// It implements rpc.Compiler.
func (r *Runtime) Compile(expression string) (any, error) {
	val, err := r.Run(context.Background(), "("+expression+")")
	if err != nil {
		return nil, err
	}
	obj, ok := val.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("compile: %w", rpc.ErrNotCallable)
	}
	fn, ok := r.newFunction(obj)
	if !ok {
		return nil, fmt.Errorf("compile: %w", rpc.ErrNotCallable)
	}
	return fn, nil
}

// ============================================================================
// Context
// ============================================================================

// Set binds name in the global scope
func (r *Runtime) Set(name string, value any) error {
	global := r.vm.GlobalObject()
	prev := global.Get(name)
	val, err := r.ToJS(value)
	if err != nil {
		return err
	}
	if err := global.Set(name, val); err != nil {
		return err
	}
	r.forget(prev, val)
	return nil
}

// Get reads name from the global scope
func (r *Runtime) Get(name string) (any, error) {
	return r.ToGo(r.vm.GlobalObject().Get(name))
}

// Delete removes name from the global scope
func (r *Runtime) Delete(name string) error {
	global := r.vm.GlobalObject()
	prev := global.Get(name)
	if err := global.Delete(name); err != nil {
		return err
	}
	r.forget(prev, nil)
	return nil
}

// Natives returns the number of Go functions currently wrapped for
// JavaScript
func (r *Runtime) Natives() int {
	return len(r.natives)
}

// ============================================================================
// Unhandled rejections
// ============================================================================

func (r *Runtime) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		r.rejected = append(r.rejected, p)
	case goja.PromiseRejectionHandle:
		for i, candidate := range r.rejected {
			if candidate == p {
				r.rejected = append(r.rejected[:i], r.rejected[i+1:]...)
				break
			}
		}
	}
}

// FlushRejections reports promises rejected without a handler
func (r *Runtime) FlushRejections() {
	rejected := r.rejected
	r.rejected = nil
	for _, p := range rejected {
		r.report(r.jsError(p.Result()))
	}
}

// report sends an unsolicited error to the host
func (r *Runtime) report(err error) {
	if r.bridge == nil {
		r.logger.Warn("Unhandled error", zap.Error(err))
		return
	}
	if sendErr := r.bridge.SendError(err); sendErr != nil {
		r.logger.Warn("Unhandled error not reported", zap.Error(err), zap.NamedError("cause", sendErr))
	}
}

// Close releases resources. It is safe to call from any goroutine once
// the loop has stopped.
func (r *Runtime) Close() error {
	r.timersMu.Lock()
	for timerID, t := range r.timers {
		t.Stop()
		delete(r.timers, timerID)
	}
	r.timersMu.Unlock()
	return nil
}
