package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/sandbox/internal/codec"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/sandbox/internal/protocol"
	"github.com/GriffinCanCode/sandbox/internal/transport"
)

// memoryHandler is a worker surface backed by a map
type memoryHandler struct {
	mu       sync.Mutex
	vars     map[string]any
	eval     func(ctx context.Context, code any) (any, error)
	reported chan error
}

func newMemoryHandler() *memoryHandler {
	return &memoryHandler{
		vars:     make(map[string]any),
		reported: make(chan error, 4),
	}
}

func (h *memoryHandler) Eval(ctx context.Context, code any) (any, error) {
	if h.eval != nil {
		return h.eval(ctx, code)
	}
	if fn, ok := code.(codec.Function); ok {
		return fn.Call(ctx)
	}
	return code, nil
}

func (h *memoryHandler) Assign(_ context.Context, name string, value any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vars[name] = value
	return nil
}

func (h *memoryHandler) Access(_ context.Context, name string) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vars[name], nil
}

func (h *memoryHandler) Remove(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.vars, name)
	return nil
}

func (h *memoryHandler) Report(err error) {
	h.reported <- err
}

// countingTransport counts outbound messages
type countingTransport struct {
	transport.Transport
	sent atomic.Int32
}

func (c *countingTransport) Send(data []byte) error {
	c.sent.Add(1)
	return c.Transport.Send(data)
}

type pair struct {
	host       *Channel
	worker     *Channel
	hostWire   *countingTransport
	handler    *memoryHandler
	hostErrors chan error
}

func newPair(t *testing.T, hostPerms, workerPerms *protocol.Permissions, opts ...Option) *pair {
	t.Helper()
	a, b := transport.NewPipe()
	p := &pair{
		hostWire:   &countingTransport{Transport: a},
		handler:    newMemoryHandler(),
		hostErrors: make(chan error, 4),
	}
	p.host = New(p.hostWire, Reporter(func(err error) { p.hostErrors <- err }), hostPerms,
		append([]Option{WithPeer("host")}, opts...)...)
	p.worker = New(b, p.handler, workerPerms, append([]Option{WithPeer("worker")}, opts...)...)
	t.Cleanup(func() {
		p.host.Close()
		p.worker.Close()
	})
	return p
}

func newDefaultPair(t *testing.T, opts ...Option) *pair {
	return newPair(t, protocol.HostDefaults(), protocol.WorkerDefaults(), opts...)
}

func TestEvalRoundTrip(t *testing.T) {
	for _, format := range []codec.Format{codec.JSON, codec.CBOR} {
		t.Run(string(format), func(t *testing.T) {
			p := newDefaultPair(t, WithFormat(format))

			result, err := p.host.SendEval(context.Background(), map[string]any{"a": "b"})
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"a": "b"}, result)
		})
	}
}

func TestMissingSendPermissionTransmitsNothing(t *testing.T) {
	hostPerms := protocol.MustPermissions(protocol.SendEval)
	p := newPair(t, hostPerms, protocol.WorkerDefaults())
	ctx := context.Background()

	operations := map[string]func() error{
		"call": func() error {
			_, err := p.host.SendCall(ctx, "f")
			return err
		},
		"register": func() error {
			return p.host.SendRegister(ctx, "f", codec.Func(func(context.Context, ...any) (any, error) { return nil, nil }))
		},
		"cancel_register": func() error { return p.host.SendCancelRegister(ctx, "f") },
		"assign":          func() error { return p.host.SendAssign(ctx, "a", 1) },
		"access": func() error {
			_, err := p.host.SendAccess(ctx, "a")
			return err
		},
		"remove": func() error { return p.host.SendRemove(ctx, "a") },
		"error":  func() error { return p.host.SendError(errors.New("boom")) },
	}

	for name, op := range operations {
		t.Run(name, func(t *testing.T) {
			err := op()
			assert.ErrorIs(t, err, ErrPermissionDenied)
		})
	}
	assert.Zero(t, p.hostWire.sent.Load())
}

func TestMissingReceivePermissionRepliesWithError(t *testing.T) {
	workerPerms := protocol.MustPermissions(protocol.ReceiveAccess)
	p := newPair(t, protocol.HostDefaults(), workerPerms)

	_, err := p.host.SendEval(context.Background(), "12345")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	var remote *codec.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, NamePermissionDenied, remote.Name)
	assert.Contains(t, remote.Message, "RECEIVE_EVAL")
}

func TestRegisterCallCancel(t *testing.T) {
	p := newDefaultPair(t)
	ctx := context.Background()

	inc := codec.Func(func(_ context.Context, args ...any) (any, error) {
		return args[0].(float64) + 1, nil
	})
	require.NoError(t, p.host.SendRegister(ctx, "f", inc))

	result, err := p.host.SendCall(ctx, "f", 41)
	require.NoError(t, err)
	assert.Equal(t, float64(42), result)

	require.NoError(t, p.host.SendCancelRegister(ctx, "f"))

	_, err = p.host.SendCall(ctx, "f", 41)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownCallable)

	var remote *codec.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, NameReference, remote.Name)
}

func TestSendRegisterRejectsNonFunction(t *testing.T) {
	p := newDefaultPair(t)

	err := p.host.SendRegister(context.Background(), "num", 12345)
	assert.ErrorIs(t, err, ErrNotCallable)
	assert.Zero(t, p.hostWire.sent.Load())
}

func TestRegisterLocal(t *testing.T) {
	p := newDefaultPair(t)

	assert.ErrorIs(t, p.host.Register("num", 12345), ErrNotCallable)
	assert.Error(t, p.host.Register("", func() {}))

	require.NoError(t, p.host.Register("twice", func(n float64) float64 { return n * 2 }))
	result, err := p.host.Invoke(context.Background(), "twice", float64(21))
	require.NoError(t, err)
	assert.Equal(t, float64(42), result)

	p.host.Unregister("twice")
	_, ok := p.host.Lookup("twice")
	assert.False(t, ok)
}

func TestFunctionIdentityOnReturn(t *testing.T) {
	p := newDefaultPair(t)
	ctx := context.Background()

	var calls atomic.Int32
	fn := codec.Func(func(context.Context, ...any) (any, error) {
		calls.Add(1)
		return "hello", nil
	})
	require.NoError(t, p.host.SendAssign(ctx, "sayHello", fn))

	got, err := p.host.SendAccess(ctx, "sayHello")
	require.NoError(t, err)

	back, ok := got.(codec.Func)
	require.True(t, ok, "expected the original function, got %T", got)
	out, err := back.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRemoteStubCallsBack(t *testing.T) {
	p := newDefaultPair(t)
	ctx := context.Background()

	fn := codec.Func(func(context.Context, ...any) (any, error) {
		return float64(12345), nil
	})
	result, err := p.host.SendEval(ctx, fn)
	require.NoError(t, err)
	assert.Equal(t, float64(12345), result)
}

func TestRemoteExecutionFailure(t *testing.T) {
	p := newDefaultPair(t)
	p.handler.eval = func(context.Context, any) (any, error) {
		return nil, codec.NewRemoteError("TypeError", "too young to die")
	}

	_, err := p.host.SendEval(context.Background(), "throw")
	require.Error(t, err)

	var remote *codec.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "TypeError", remote.Name)
	assert.Equal(t, "too young to die", remote.Message)
}

func TestHandlerPanicBecomesError(t *testing.T) {
	p := newDefaultPair(t)
	p.handler.eval = func(context.Context, any) (any, error) {
		panic("kaboom")
	}

	_, err := p.host.SendEval(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestTimeout(t *testing.T) {
	p := newDefaultPair(t, WithTimeout(50*time.Millisecond))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	p.handler.eval = func(context.Context, any) (any, error) {
		<-release
		return nil, nil
	}

	_, err := p.host.SendEval(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, p.host.Pending())
}

func TestAbandonDropsPending(t *testing.T) {
	p := newDefaultPair(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	p.handler.eval = func(context.Context, any) (any, error) {
		<-release
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	fut, err := p.host.Request(ctx, protocol.KindEval, "slow")
	require.NoError(t, err)
	assert.Equal(t, 1, p.host.Pending())

	cancel()
	_, err = fut.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.host.Pending())
}

func TestOutOfOrderResponses(t *testing.T) {
	p := newDefaultPair(t)
	p.handler.eval = func(_ context.Context, code any) (any, error) {
		if code == "slow" {
			time.Sleep(50 * time.Millisecond)
		}
		return code, nil
	}
	ctx := context.Background()

	slow, err := p.host.Request(ctx, protocol.KindEval, "slow")
	require.NoError(t, err)
	fast, err := p.host.Request(ctx, protocol.KindEval, "fast")
	require.NoError(t, err)

	<-fast.Done()
	select {
	case <-slow.Done():
		t.Fatal("slow request settled before fast one")
	default:
	}

	got, err := fast.Result()
	require.NoError(t, err)
	assert.Equal(t, "fast", got)

	got, err = slow.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "slow", got)
}

func TestCloseRejectsPending(t *testing.T) {
	p := newDefaultPair(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	p.handler.eval = func(context.Context, any) (any, error) {
		<-release
		return nil, nil
	}
	ctx := context.Background()

	fut, err := p.host.Request(ctx, protocol.KindEval, "slow")
	require.NoError(t, err)

	require.NoError(t, p.host.Close())
	require.NoError(t, p.host.Close())

	_, err = fut.Wait(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = p.host.SendEval(ctx, "again")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, p.host.Register("f", func() {}), ErrInvalidState)
}

func TestTransportCloseClosesPeer(t *testing.T) {
	p := newDefaultPair(t)

	require.NoError(t, p.host.Close())

	select {
	case <-p.worker.Done():
	case <-time.After(time.Second):
		t.Fatal("worker channel not closed")
	}
	assert.True(t, p.worker.Closed())
}

func TestUnsolicitedErrorIsReported(t *testing.T) {
	p := newDefaultPair(t)

	require.NoError(t, p.worker.SendError(errors.New("just a joke")))

	select {
	case err := <-p.hostErrors:
		var remote *codec.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "just a joke", remote.Message)
	case <-time.After(time.Second):
		t.Fatal("error not reported")
	}
}

func TestUnsolicitedErrorWithoutPermissionIsDropped(t *testing.T) {
	hostPerms := protocol.MustPermissions(protocol.SendEval)
	p := newPair(t, hostPerms, protocol.WorkerDefaults())

	require.NoError(t, p.worker.SendError(errors.New("ignored")))

	select {
	case err := <-p.hostErrors:
		t.Fatalf("unexpected report: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestRejectsReplyKinds(t *testing.T) {
	p := newDefaultPair(t)

	_, err := p.host.Request(context.Background(), protocol.KindResponse, nil)
	assert.Error(t, err)
	_, err = p.host.Request(context.Background(), protocol.OperationKind("bogus"), nil)
	assert.Error(t, err)
}

func TestImport(t *testing.T) {
	p := newDefaultPair(t)

	t.Run("source only without compiler", func(t *testing.T) {
		got, err := p.host.Import(codec.Wrapped{Type: codec.TypeFunction, Expression: "() => 1"})
		require.NoError(t, err)
		assert.Equal(t, codec.Script("() => 1"), got)
	})

	t.Run("foreign token", func(t *testing.T) {
		got, err := p.host.Import(codec.Wrapped{Type: codec.TypeFunction, Token: "fn_other", Expression: "() => 1"})
		require.NoError(t, err)
		remote, ok := got.(*Remote)
		require.True(t, ok)
		assert.Equal(t, "fn_other", remote.Token())
		assert.Equal(t, "() => 1", remote.Source())
	})

	t.Run("nothing to rebuild", func(t *testing.T) {
		got, err := p.host.Import(codec.Wrapped{Type: codec.TypeFunction})
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

type upperCompiler struct{}

func (upperCompiler) Compile(expression string) (any, error) {
	return "compiled:" + expression, nil
}

func TestImportPrefersCompiler(t *testing.T) {
	a, _ := transport.NewPipe()
	ch := New(a, nil, protocol.WorkerDefaults(), WithCompiler(upperCompiler{}))
	t.Cleanup(func() { ch.Close() })

	got, err := ch.Import(codec.Wrapped{Type: codec.TypeFunction, Token: "fn_other", Expression: "x => x"})
	require.NoError(t, err)
	assert.Equal(t, "compiled:x => x", got)
}

// pointerFunc is a Function whose identity is its address
type pointerFunc struct{}

func (f *pointerFunc) Call(context.Context, ...any) (any, error) {
	return "pointer", nil
}

// namedFunc is a Function that reports its identity explicitly
type namedFunc struct {
	name string
	fn   func() any
}

func (f namedFunc) Call(context.Context, ...any) (any, error) {
	return f.fn(), nil
}

func (f namedFunc) Identity() any {
	return f.name
}

func (c *Channel) exportedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.exports)
}

func TestExportKeepsTokenPerIdentity(t *testing.T) {
	p := newDefaultPair(t)

	ptr := &pointerFunc{}
	first, err := p.host.Export(ptr)
	require.NoError(t, err)
	again, err := p.host.Export(ptr)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	named, err := p.host.Export(namedFunc{name: "a", fn: func() any { return 1 }})
	require.NoError(t, err)
	namedAgain, err := p.host.Export(namedFunc{name: "a", fn: func() any { return 2 }})
	require.NoError(t, err)
	assert.Equal(t, named, namedAgain)

	plain := codec.Func(func(context.Context, ...any) (any, error) { return nil, nil })
	x, err := p.host.Export(plain)
	require.NoError(t, err)
	y, err := p.host.Export(plain)
	require.NoError(t, err)
	assert.NotEqual(t, x, y)
	assert.Equal(t, 4, p.host.exportedCount())
}

func TestBindingReleasesFunctionTokens(t *testing.T) {
	p := newDefaultPair(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, p.host.SendAssign(ctx, "fn", func() int { return i }))
		require.NoError(t, p.host.SendRegister(ctx, "cb", func() int { return i }))
	}
	assert.Equal(t, 2, p.host.exportedCount())

	result, err := p.host.SendCall(ctx, "cb")
	require.NoError(t, err)
	assert.Equal(t, float64(9), result)

	require.NoError(t, p.host.SendRemove(ctx, "fn"))
	require.NoError(t, p.host.SendCancelRegister(ctx, "cb"))
	assert.Zero(t, p.host.exportedCount())
}

func TestSharedTokenOutlivesOneBinding(t *testing.T) {
	p := newDefaultPair(t)
	ctx := context.Background()
	shared := &pointerFunc{}

	require.NoError(t, p.host.SendAssign(ctx, "a", shared))
	require.NoError(t, p.host.SendAssign(ctx, "b", shared))
	assert.Equal(t, 1, p.host.exportedCount())

	require.NoError(t, p.host.SendAssign(ctx, "a", 1))
	assert.Equal(t, 1, p.host.exportedCount())

	stub, err := p.host.SendAccess(ctx, "b")
	require.NoError(t, err)
	assert.Same(t, shared, stub)

	require.NoError(t, p.host.SendRemove(ctx, "b"))
	assert.Zero(t, p.host.exportedCount())
}

func TestFailedBindingReleasesFunctionTokens(t *testing.T) {
	workerPerms := protocol.MustPermissions(protocol.ReceiveAccess)
	p := newPair(t, protocol.HostDefaults(), workerPerms)

	err := p.host.SendAssign(context.Background(), "fn", func() {})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Zero(t, p.host.exportedCount())
}

func TestUnboundExportsArePinned(t *testing.T) {
	p := newDefaultPair(t)
	ctx := context.Background()
	shared := &pointerFunc{}

	result, err := p.host.SendEval(ctx, shared)
	require.NoError(t, err)
	assert.Equal(t, "pointer", result)

	require.NoError(t, p.host.SendAssign(ctx, "a", shared))
	require.NoError(t, p.host.SendRemove(ctx, "a"))
	assert.Equal(t, 1, p.host.exportedCount())
}

func TestSpansFollowCallbacksAcrossPeers(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tracer := tracing.New("sandbox", zap.New(core))
	defer tracer.Close()
	p := newDefaultPair(t, WithTracer(tracer))

	fn := codec.Func(func(context.Context, ...any) (any, error) {
		return "called back", nil
	})
	result, err := p.host.SendEval(context.Background(), fn)
	require.NoError(t, err)
	assert.Equal(t, "called back", result)

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("span completed").Len() == 4
	}, time.Second, 10*time.Millisecond)

	spans := make(map[string]map[string]any)
	for _, entry := range logs.FilterMessage("span completed").All() {
		fields := entry.ContextMap()
		spans[fields["operation"].(string)] = fields
	}
	require.Len(t, spans, 4)

	hostEval := spans["rpc.request eval"]
	workerEval := spans["rpc.serve eval"]
	workerCall := spans["rpc.request call"]
	hostCall := spans["rpc.serve call"]
	require.NotNil(t, hostEval)
	require.NotNil(t, workerEval)
	require.NotNil(t, workerCall)
	require.NotNil(t, hostCall)

	for _, span := range spans {
		assert.Equal(t, hostEval["trace_id"], span["trace_id"])
	}
	assert.NotContains(t, hostEval, "parent_id")
	assert.Equal(t, hostEval["span_id"], workerEval["parent_id"])
	assert.Equal(t, workerEval["span_id"], workerCall["parent_id"])
	assert.Equal(t, workerCall["span_id"], hostCall["parent_id"])
}
