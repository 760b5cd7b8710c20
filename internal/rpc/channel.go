package rpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox/internal/codec"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/sandbox/internal/protocol"
	"github.com/GriffinCanCode/sandbox/internal/shared/id"
	"github.com/GriffinCanCode/sandbox/internal/transport"
)

// DefaultTimeout bounds every request unless overridden
const DefaultTimeout = 30 * time.Second

// Compiler turns shipped function source into a local callable
type Compiler interface {
	Compile(expression string) (any, error)
}

// Awaiter waits for a request to settle. The worker supplies one that
// keeps its loop running while it waits.
type Awaiter func(ctx context.Context, fut *Future) (any, error)

// Channel is one side of the permission-gated request/response protocol.
// It correlates outbound requests with their replies, serves inbound
// requests through a Handler and owns the peer's callable registry.
type Channel struct {
	transport transport.Transport
	handler   Handler
	perms     *protocol.Permissions
	codec     *codec.Codec

	timeout  time.Duration
	executor Executor
	awaiter  Awaiter
	compiler Compiler
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	tracer   *tracing.Tracer
	peer     string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   map[id.MessageID]*Future
	callables map[string]codec.Function
	exports   map[string]*export
	exported  map[any]string
	bindings  map[string][]string
	closed    bool
	done      chan struct{}
}

// export tracks a function registered under a token so that it can be
// handed out again and released once nothing on the peer holds it
type export struct {
	identity any
	owners   int  // peer bindings holding the token
	pinned   bool // crossed outside a binding, kept until Close
}

// Option configures a Channel
type Option func(*options)

type options struct {
	timeout  time.Duration
	executor Executor
	awaiter  Awaiter
	compiler Compiler
	format   codec.Format
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	tracer   *tracing.Tracer
	peer     string
}

// WithTimeout bounds each request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithExecutor sets where inbound messages are handled
func WithExecutor(e Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// WithAwaiter replaces the default blocking wait of typed senders
func WithAwaiter(a Awaiter) Option {
	return func(o *options) {
		o.awaiter = a
	}
}

// WithCompiler lets the channel rebuild shipped function source locally
func WithCompiler(c Compiler) Option {
	return func(o *options) {
		o.compiler = c
	}
}

// WithFormat selects the wire encoding
func WithFormat(f codec.Format) Option {
	return func(o *options) {
		o.format = f
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics records request and registry metrics
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer records a span for every request sent and served
func WithTracer(t *tracing.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithPeer names this side in logs
func WithPeer(name string) Option {
	return func(o *options) {
		o.peer = name
	}
}

// New creates a channel over t and starts receiving. handler may be nil
// for a peer that grants no RECEIVE permissions.
func New(t transport.Transport, handler Handler, perms *protocol.Permissions, opts ...Option) *Channel {
	o := options{
		timeout:  DefaultTimeout,
		executor: Concurrent,
		format:   codec.JSON,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if handler == nil {
		handler = Reporter(nil)
	}

	logger := logging.OrNop(o.logger)
	if o.peer != "" {
		logger = logger.With(logging.Peer(o.peer))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		transport: t,
		handler:   handler,
		perms:     perms,
		timeout:   o.timeout,
		executor:  o.executor,
		awaiter:   o.awaiter,
		compiler:  o.compiler,
		logger:    logger,
		metrics:   o.metrics,
		tracer:    o.tracer,
		peer:      o.peer,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[id.MessageID]*Future),
		callables: make(map[string]codec.Function),
		exports:   make(map[string]*export),
		exported:  make(map[any]string),
		bindings:  make(map[string][]string),
		done:      make(chan struct{}),
	}
	if c.awaiter == nil {
		c.awaiter = func(ctx context.Context, fut *Future) (any, error) {
			return fut.Wait(ctx)
		}
	}
	c.codec = codec.New(codec.WithFormat(o.format), codec.WithBinder(c))

	t.OnMessage(c.receive)
	go c.watch()

	return c
}

// watch closes the channel when the transport goes away
func (c *Channel) watch() {
	select {
	case <-c.transport.Done():
		c.logger.Debug("Transport closed")
		c.Close()
	case <-c.done:
	}
}

// Codec returns the codec used for payloads
func (c *Channel) Codec() *codec.Codec {
	return c.codec
}

// Permissions returns the granted permission set
func (c *Channel) Permissions() *protocol.Permissions {
	return c.perms
}

// Done is closed once the channel is closed
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the channel has been closed
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pending returns the number of outstanding requests
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ============================================================================
// Outbound
// ============================================================================

// Request sends a request of kind and returns its future. A missing SEND
// permission fails here and nothing is transmitted.
func (c *Channel) Request(ctx context.Context, kind protocol.OperationKind, payload any) (*Future, error) {
	return c.request(ctx, kind, payload, c.codec)
}

func (c *Channel) request(ctx context.Context, kind protocol.OperationKind, payload any, enc *codec.Codec) (*Future, error) {
	if !kind.IsValid() || kind.IsReply() {
		return nil, fmt.Errorf("cannot request %q", kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, contextError(err, kind)
	}
	if c.Closed() {
		return nil, fmt.Errorf("%s: %w", kind, ErrInvalidState)
	}
	if err := c.authorize(kind, protocol.Send); err != nil {
		return nil, err
	}

	msgID := id.NewMessageID()
	span, ctx := c.tracer.StartSpan(ctx, "rpc.request "+string(kind))
	span.SetTag("rpc.message_id", msgID.String())
	span.SetTag("rpc.kind", string(kind))
	c.tagPeer(span)

	msg := protocol.Message{ID: msgID, Type: kind, Payload: payload}
	msg.Trace, msg.Span = string(tracing.GetTraceID(ctx)), string(tracing.GetSpanID(ctx))
	data, err := enc.Serialize(msg.ToMap())
	if err != nil {
		c.finishSpan(span, err)
		return nil, fmt.Errorf("%s payload: %w", kind, err)
	}

	fut := newFuture(msgID, kind)
	timer := monitoring.NewTimer(c.metrics, string(kind))
	fut.abandon = func(err error) {
		c.take(msgID)
		fut.settle(nil, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.finishSpan(span, ErrInvalidState)
		return nil, fmt.Errorf("%s: %w", kind, ErrInvalidState)
	}
	c.pending[msgID] = fut
	if c.timeout > 0 {
		timeout := c.timeout
		fut.timer = time.AfterFunc(timeout, func() {
			c.settle(msgID, nil, fmt.Errorf("%w: %s after %s", ErrTimeout, kind, timeout))
		})
	}
	c.mu.Unlock()
	c.metrics.AddPending(1)

	go func() {
		<-fut.Done()
		_, err := fut.Result()
		timer.Stop(outcome(err))
		c.finishSpan(span, err)
	}()

	c.logger.Debug("Sending request", logging.Message(msgID, kind), zap.Int("bytes", len(data)))
	if err := c.transport.Send(data); err != nil {
		c.take(msgID)
		fut.settle(nil, err)
		if errors.Is(err, transport.ErrClosed) {
			return nil, fmt.Errorf("%s: %w", kind, ErrInvalidState)
		}
		return nil, fmt.Errorf("send %s: %w", kind, err)
	}
	return fut, nil
}

func (c *Channel) tagPeer(span *tracing.Span) {
	if c.peer != "" {
		span.SetTag("rpc.peer", c.peer)
	}
}

func (c *Channel) finishSpan(span *tracing.Span, err error) {
	span.SetError(err)
	span.Finish()
	c.tracer.Submit(span)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return monitoring.OutcomeOK
	case errors.Is(err, ErrTimeout):
		return monitoring.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return monitoring.OutcomeCancelled
	case errors.Is(err, ErrInvalidState), errors.Is(err, transport.ErrClosed):
		return monitoring.OutcomeClosed
	default:
		return monitoring.OutcomeError
	}
}

func (c *Channel) authorize(kind protocol.OperationKind, direction protocol.Direction) error {
	if c.perms.Has(kind, direction) {
		return nil
	}
	perm := protocol.Permission{Kind: kind, Direction: direction}
	c.metrics.RecordDenied(string(kind), direction.String())
	c.logger.Debug("Permission denied", zap.Stringer("permission", perm))
	return fmt.Errorf("%w: %s not granted", ErrPermissionDenied, perm)
}

// call sends a request and waits for its result
func (c *Channel) call(ctx context.Context, kind protocol.OperationKind, payload any) (any, error) {
	fut, err := c.Request(ctx, kind, payload)
	if err != nil {
		return nil, err
	}
	return c.awaiter(ctx, fut)
}

// callBinding sends a request that changes what the peer binds under
// key. Functions exported for it are handed to key once the peer
// accepts, and the ones key held before are released.
func (c *Channel) callBinding(ctx context.Context, kind protocol.OperationKind, key string, payload any) error {
	sc := &scope{channel: c}
	fut, err := c.request(ctx, kind, payload, c.codec.Bound(sc))
	if err == nil {
		_, err = c.awaiter(ctx, fut)
	}
	c.bind(key, sc.tokens, err == nil)
	return err
}

func contextKey(name string) string  { return "context:" + name }
func callableKey(name string) string { return "callable:" + name }

// SendEval asks the remote side to evaluate code, which is source text
// or a function
func (c *Channel) SendEval(ctx context.Context, code any) (any, error) {
	return c.call(ctx, protocol.KindEval, code)
}

// SendCall invokes a callable registered on the remote side
func (c *Channel) SendCall(ctx context.Context, name string, args ...any) (any, error) {
	return c.call(ctx, protocol.KindCall, protocol.CallPayload{Name: name, Args: args}.ToMap())
}

// SendRegister registers fn under name in the remote callable registry
func (c *Channel) SendRegister(ctx context.Context, name string, fn any) error {
	if !codec.IsFunction(fn) {
		return fmt.Errorf("register %s: %w", name, ErrNotCallable)
	}
	return c.callBinding(ctx, protocol.KindRegister, callableKey(name), protocol.BindingPayload{Name: name, Value: fn}.ToMap())
}

// SendCancelRegister removes name from the remote callable registry
func (c *Channel) SendCancelRegister(ctx context.Context, name string) error {
	return c.callBinding(ctx, protocol.KindCancelRegister, callableKey(name), protocol.BindingPayload{Name: name}.ToMap())
}

// SendAssign binds name to value in the remote context
func (c *Channel) SendAssign(ctx context.Context, name string, value any) error {
	return c.callBinding(ctx, protocol.KindAssign, contextKey(name), protocol.BindingPayload{Name: name, Value: value}.ToMap())
}

// SendAccess reads name from the remote context
func (c *Channel) SendAccess(ctx context.Context, name string) (any, error) {
	return c.call(ctx, protocol.KindAccess, protocol.BindingPayload{Name: name}.ToMap())
}

// SendRemove deletes name from the remote context
func (c *Channel) SendRemove(ctx context.Context, name string) error {
	return c.callBinding(ctx, protocol.KindRemove, contextKey(name), protocol.BindingPayload{Name: name}.ToMap())
}

// SendError reports err to the remote side without expecting a reply
func (c *Channel) SendError(err error) error {
	if err == nil {
		return nil
	}
	if c.Closed() {
		return fmt.Errorf("%s: %w", protocol.KindError, ErrInvalidState)
	}
	if authErr := c.authorize(protocol.KindError, protocol.Send); authErr != nil {
		return authErr
	}
	return c.send(protocol.Message{ID: id.NewMessageID(), Type: protocol.KindError, Error: err})
}

// send serializes and transmits msg. A payload that cannot be serialized
// is replaced by a serialization error.
func (c *Channel) send(msg protocol.Message) error {
	data, err := c.codec.Serialize(msg.ToMap())
	if err != nil {
		c.logger.Warn("Reply not serializable", logging.Message(msg.ID, msg.Type), zap.Error(err))
		msg.Payload = nil
		msg.Error = err
		data, err = c.codec.Serialize(msg.ToMap())
		if err != nil {
			return err
		}
	}
	return c.transport.Send(data)
}

// ============================================================================
// Pending table
// ============================================================================

// take removes and returns the pending entry for msgID
func (c *Channel) take(msgID id.MessageID) *Future {
	c.mu.Lock()
	fut, ok := c.pending[msgID]
	if ok {
		delete(c.pending, msgID)
		if fut.timer != nil {
			fut.timer.Stop()
		}
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.metrics.AddPending(-1)
	return fut
}

// settle completes the pending entry for msgID. It reports false when
// there is no such entry.
func (c *Channel) settle(msgID id.MessageID, value any, err error) bool {
	fut := c.take(msgID)
	if fut == nil {
		return false
	}
	return fut.settle(value, err)
}

// ============================================================================
// Inbound
// ============================================================================

func (c *Channel) receive(data []byte) {
	if c.Closed() {
		return
	}
	c.executor.Execute(func() {
		c.handle(data)
	})
}

func (c *Channel) handle(data []byte) {
	if c.Closed() {
		return
	}

	tree, err := c.codec.Format().Unmarshal(data)
	if err != nil {
		c.metrics.RecordInbound("unknown", "malformed")
		c.logger.Warn("Dropping malformed message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	msgID, kind := peek(tree)
	decoded, err := c.codec.Decode(tree)
	if err != nil {
		c.rejectUndecodable(msgID, kind, err)
		return
	}

	msg, err := protocol.FromMap(decoded)
	if err != nil {
		c.metrics.RecordInbound(string(kind), "malformed")
		c.logger.Warn("Dropping invalid message", zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.KindResponse:
		c.resolve(msg)
	case protocol.KindError:
		c.receiveError(msg)
	default:
		c.serve(msg)
	}
}

// peek reads the envelope id and type without reviving the payload
func peek(tree any) (id.MessageID, protocol.OperationKind) {
	fields, _ := tree.(map[string]any)
	msgID, _ := fields[protocol.FieldID].(string)
	kind, _ := fields[protocol.FieldType].(string)
	return id.MessageID(msgID), protocol.OperationKind(kind)
}

func (c *Channel) rejectUndecodable(msgID id.MessageID, kind protocol.OperationKind, err error) {
	c.metrics.RecordInbound(string(kind), "malformed")
	c.logger.Warn("Cannot decode message", logging.Message(msgID, kind), zap.Error(err))

	if msgID == "" || !kind.IsValid() {
		return
	}
	if kind.IsReply() {
		c.settle(msgID, nil, err)
		return
	}
	if sendErr := c.send(protocol.Message{ID: msgID, Type: protocol.KindResponse, Error: err}); sendErr != nil {
		c.logger.Debug("Reply failed", logging.Message(msgID, kind), zap.Error(sendErr))
	}
}

func (c *Channel) resolve(msg protocol.Message) {
	var settled bool
	if msg.Error != nil {
		settled = c.settle(msg.ID, nil, msg.Error)
	} else {
		settled = c.settle(msg.ID, msg.Payload, nil)
	}
	c.metrics.RecordInbound(string(msg.Type), settledStatus(settled))
	if !settled {
		c.logger.Debug("Ignoring reply with no pending request", logging.Message(msg.ID, msg.Type))
	}
}

func settledStatus(settled bool) string {
	if settled {
		return "ok"
	}
	return "ignored"
}

func (c *Channel) receiveError(msg protocol.Message) {
	err := msg.Error
	if err == nil {
		err = codec.NewRemoteError(codec.ErrorName, "unspecified error")
	}
	if c.settle(msg.ID, nil, err) {
		c.metrics.RecordInbound(string(msg.Type), "ok")
		return
	}

	if !c.perms.CanReceive(protocol.KindError) {
		c.metrics.RecordInbound(string(msg.Type), "denied")
		c.metrics.RecordDenied(string(msg.Type), protocol.Receive.String())
		c.logger.Debug("Dropping unsolicited error", zap.Error(err))
		return
	}
	c.metrics.RecordInbound(string(msg.Type), "unsolicited")
	c.handler.Report(err)
}

func (c *Channel) serve(msg protocol.Message) {
	if !c.perms.CanReceive(msg.Type) {
		c.metrics.RecordInbound(string(msg.Type), "denied")
		c.metrics.RecordDenied(string(msg.Type), protocol.Receive.String())
		perm := protocol.Permission{Kind: msg.Type, Direction: protocol.Receive}
		denied := fmt.Errorf("%w: %s not granted", ErrPermissionDenied, perm)
		if err := c.send(protocol.Message{ID: msg.ID, Type: protocol.KindError, Error: denied}); err != nil {
			c.logger.Debug("Reply failed", logging.Message(msg.ID, msg.Type), zap.Error(err))
		}
		return
	}

	ctx := tracing.WithParent(c.ctx, tracing.TraceID(msg.Trace), tracing.SpanID(msg.Span))
	span, ctx := c.tracer.StartSpan(ctx, "rpc.serve "+string(msg.Type))
	span.SetTag("rpc.message_id", msg.ID.String())
	span.SetTag("rpc.kind", string(msg.Type))
	c.tagPeer(span)

	result, err := c.dispatch(ctx, msg)
	c.finishSpan(span, err)
	status := "ok"
	if err != nil {
		status = "error"
		c.logger.Debug("Request failed", logging.Message(msg.ID, msg.Type), zap.Error(err))
	}
	c.metrics.RecordInbound(string(msg.Type), status)

	reply := protocol.Message{ID: msg.ID, Type: protocol.KindResponse, Payload: result, Error: err}
	if err != nil {
		reply.Payload = nil
	}
	if sendErr := c.send(reply); sendErr != nil {
		c.logger.Debug("Reply failed", logging.Message(msg.ID, msg.Type), zap.Error(sendErr))
	}
}

// dispatch runs one inbound request against the local surface
func (c *Channel) dispatch(ctx context.Context, msg protocol.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panicked", logging.Message(msg.ID, msg.Type), zap.Any("panic", r))
			result, err = nil, fmt.Errorf("%s handler panicked: %v", msg.Type, r)
		}
	}()

	switch msg.Type {
	case protocol.KindEval:
		return c.handler.Eval(ctx, msg.Payload)

	case protocol.KindCall:
		p, err := protocol.ParseCallPayload(msg.Payload)
		if err != nil {
			return nil, err
		}
		return c.Invoke(ctx, p.Name, p.Args...)
	}

	p, err := protocol.ParseBindingPayload(msg.Payload)
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case protocol.KindRegister:
		return nil, c.Register(p.Name, p.Value)
	case protocol.KindCancelRegister:
		c.Unregister(p.Name)
		return nil, nil
	case protocol.KindAssign:
		return nil, c.handler.Assign(ctx, p.Name, p.Value)
	case protocol.KindAccess:
		return c.handler.Access(ctx, p.Name)
	case protocol.KindRemove:
		return nil, c.handler.Remove(ctx, p.Name)
	}
	return nil, fmt.Errorf("unsupported operation %q", msg.Type)
}

// ============================================================================
// Callable registry
// ============================================================================

// Register binds fn to name in the local callable registry, replacing
// any previous binding
func (c *Channel) Register(name string, fn any) error {
	if name == "" {
		return fmt.Errorf("register: empty name")
	}
	if id.IsFunctionToken(name) {
		return fmt.Errorf("register %s: name is reserved for function tokens", name)
	}
	f, ok := codec.AsFunction(fn)
	if !ok {
		return fmt.Errorf("register %s: %w", name, ErrNotCallable)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("register %s: %w", name, ErrInvalidState)
	}
	_, existed := c.callables[name]
	c.callables[name] = f
	c.mu.Unlock()

	if !existed {
		c.metrics.AddCallables(1)
	}
	c.logger.Debug("Callable registered", zap.String("name", name))
	return nil
}

// Unregister removes name from the local callable registry
func (c *Channel) Unregister(name string) {
	c.mu.Lock()
	_, existed := c.callables[name]
	delete(c.callables, name)
	if e, ok := c.exports[name]; ok {
		delete(c.exports, name)
		if e.identity != nil {
			delete(c.exported, e.identity)
		}
	}
	c.mu.Unlock()

	if existed {
		c.metrics.AddCallables(-1)
		c.logger.Debug("Callable removed", zap.String("name", name))
	}
}

// Lookup returns the callable bound to name
func (c *Channel) Lookup(name string) (codec.Function, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := c.callables[name]
	return fn, ok
}

// Invoke calls the local callable bound to name
func (c *Channel) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	fn, ok := c.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not defined", ErrUnknownCallable, name)
	}
	return fn.Call(ctx, args...)
}

// Export implements codec.Binder. Functions exported here, outside any
// binding, keep their token until the channel closes.
func (c *Channel) Export(fn codec.Function) (string, error) {
	return c.export(fn, true)
}

// export registers fn under a function token. A function with an
// identity gets the token it was first given.
func (c *Channel) export(fn codec.Function, pinned bool) (string, error) {
	identity := identityOf(fn)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("export function: %w", ErrInvalidState)
	}
	if identity != nil {
		if token, ok := c.exported[identity]; ok {
			if e := c.exports[token]; e != nil {
				e.pinned = e.pinned || pinned
				c.mu.Unlock()
				return token, nil
			}
		}
	}
	token := id.NewFunctionToken().String()
	c.callables[token] = fn
	c.exports[token] = &export{identity: identity, pinned: pinned}
	if identity != nil {
		c.exported[identity] = token
	}
	c.mu.Unlock()

	c.metrics.AddCallables(1)
	return token, nil
}

// identityOf returns what makes two exports the same function, or nil
// when fn has no usable identity. Go func values are not comparable.
func identityOf(fn codec.Function) any {
	if i, ok := fn.(codec.Identifier); ok {
		return i.Identity()
	}
	if reflect.TypeOf(fn).Kind() == reflect.Pointer {
		return fn
	}
	return nil
}

// bind hands tokens to key after a binding request, releasing the
// tokens key held before. When the request failed the new tokens are
// released instead and key keeps what it had.
func (c *Channel) bind(key string, tokens []string, bound bool) {
	released := 0

	c.mu.Lock()
	if bound {
		for _, token := range tokens {
			if e, ok := c.exports[token]; ok {
				e.owners++
			}
		}
		stale := c.bindings[key]
		if len(tokens) > 0 {
			c.bindings[key] = tokens
		} else {
			delete(c.bindings, key)
		}
		for _, token := range stale {
			if e, ok := c.exports[token]; ok {
				e.owners--
			}
			released += c.release(token)
		}
	} else {
		for _, token := range tokens {
			released += c.release(token)
		}
	}
	c.mu.Unlock()

	if released > 0 {
		c.metrics.AddCallables(-released)
		c.logger.Debug("Function tokens released", zap.String("binding", key), zap.Int("released", released))
	}
}

// release drops token when no binding holds it and it never crossed
// outside one. It returns the number of callables removed. c.mu must
// be held.
func (c *Channel) release(token string) int {
	e, ok := c.exports[token]
	if !ok || e.owners > 0 || e.pinned {
		return 0
	}
	delete(c.exports, token)
	if e.identity != nil {
		delete(c.exported, e.identity)
	}
	if _, ok := c.callables[token]; !ok {
		return 0
	}
	delete(c.callables, token)
	return 1
}

// scope collects the tokens exported while encoding one binding request
type scope struct {
	channel *Channel
	tokens  []string
}

func (s *scope) Export(fn codec.Function) (string, error) {
	token, err := s.channel.export(fn, false)
	if err != nil {
		return "", err
	}
	s.tokens = append(s.tokens, token)
	return token, nil
}

func (s *scope) Import(w codec.Wrapped) (any, error) {
	return s.channel.Import(w)
}

// Import implements codec.Binder. A token minted here yields the
// original function. Otherwise shipped source is compiled when a
// compiler is available, and a foreign token yields a Remote stub.
func (c *Channel) Import(w codec.Wrapped) (any, error) {
	if w.Token != "" {
		if fn, ok := c.Lookup(w.Token); ok {
			return fn, nil
		}
	}
	if w.Expression != "" && c.compiler != nil {
		return c.compiler.Compile(w.Expression)
	}
	if w.Token != "" {
		return &Remote{channel: c, token: w.Token, source: w.Expression}, nil
	}
	if w.Expression != "" {
		return codec.Script(w.Expression), nil
	}
	return nil, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Close rejects every pending request with ErrInvalidState, clears the
// callable registry and closes the transport. It is safe to call more
// than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[id.MessageID]*Future)
	callables := len(c.callables)
	c.callables = make(map[string]codec.Function)
	c.exports = make(map[string]*export)
	c.exported = make(map[any]string)
	c.bindings = make(map[string][]string)
	for _, fut := range pending {
		if fut.timer != nil {
			fut.timer.Stop()
		}
	}
	c.mu.Unlock()

	c.cancel()
	for _, fut := range pending {
		fut.settle(nil, fmt.Errorf("%s: %w", fut.Kind, ErrInvalidState))
	}
	c.metrics.AddPending(-len(pending))
	c.metrics.AddCallables(-callables)
	close(c.done)

	c.logger.Debug("Channel closed", zap.Int("rejected", len(pending)))

	if err := c.transport.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		return err
	}
	return nil
}
