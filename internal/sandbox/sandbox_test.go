package sandbox

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/sandbox/internal/codec"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox/internal/protocol"
	"github.com/GriffinCanCode/sandbox/internal/worker"
)

func newTestSandbox(t *testing.T, opts ...Option) *Sandbox {
	t.Helper()
	sb, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { sb.Destroy() })
	return sb
}

func TestExecuteReturnsNothing(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()

	require.NoError(t, sb.Execute(ctx, "12345"))
	require.NoError(t, sb.Execute(ctx, `self.a = "hello world"`))

	got, err := sb.Eval(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
}

func TestEval(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()

	tests := []struct {
		name string
		code string
		want any
	}{
		{"literal", "12345", float64(12345)},
		{"promise", "Promise.resolve(12345)", float64(12345)},
		{"array", "[1, 'two', null]", []any{float64(1), "two", nil}},
		{"nan", "NaN", math.NaN()},
		{"infinity", "1/0", math.Inf(1)},
		{"negative infinity", "-1/0", math.Inf(-1)},
		{"array with nan", "[1, NaN]", []any{float64(1), math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sb.Eval(ctx, tt.code)
			require.NoError(t, err)
			assertSameValue(t, tt.want, got)
		})
	}
}

// assertSameValue is assert.Equal with NaN equal to itself
func assertSameValue(t *testing.T, want, got any) {
	t.Helper()
	switch w := want.(type) {
	case float64:
		if math.IsNaN(w) {
			g, ok := got.(float64)
			assert.True(t, ok && math.IsNaN(g), "expected NaN, got %v", got)
			return
		}
	case []any:
		g, ok := got.([]any)
		if !assert.True(t, ok, "expected a list, got %T", got) || !assert.Len(t, g, len(w)) {
			return
		}
		for i := range w {
			assertSameValue(t, w[i], g[i])
		}
		return
	}
	assert.Equal(t, want, got)
}

func TestEvalFunc(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()

	got, err := sb.EvalFunc(ctx, codec.Script("function() { return 12345 }"))
	require.NoError(t, err)
	assert.Equal(t, float64(12345), got)

	got, err = sb.EvalFunc(ctx, func() int { return 7 })
	require.NoError(t, err)
	assert.Equal(t, float64(7), got)

	_, err = sb.EvalFunc(ctx, "not a function")
	assert.ErrorIs(t, err, ErrNotCallable)
}

func TestFunctionRoundTrip(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()

	require.NoError(t, sb.Set(ctx, "inc", func(x float64) float64 { return x + 1 }))
	got, err := sb.Eval(ctx, "inc(41)")
	require.NoError(t, err)
	assert.Equal(t, float64(42), got)

	jsInc, err := sb.Eval(ctx, "x => x + 1")
	require.NoError(t, err)
	fn, ok := jsInc.(codec.Function)
	require.True(t, ok, "expected a function, got %T", jsInc)
	got, err = fn.Call(ctx, 41)
	require.NoError(t, err)
	assert.Equal(t, float64(42), got)
}

func TestPermissionEnforcement(t *testing.T) {
	hostPerms := protocol.MustPermissions(protocol.SendEval)
	sb := newTestSandbox(t, WithHostPermissions(hostPerms))
	ctx := context.Background()

	_, err := sb.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, sb.Set(ctx, "a", 1), ErrPermissionDenied)
	assert.ErrorIs(t, sb.Remove(ctx, "a"), ErrPermissionDenied)
	_, err = sb.Call(ctx, "f")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = sb.Eval(ctx, "1")
	assert.NoError(t, err)
}

func TestWorkerPermissionEnforcement(t *testing.T) {
	workerPerms := protocol.MustPermissions(protocol.ReceiveAccess, protocol.SendError)
	sb := newTestSandbox(t, WithWorkerPermissions(workerPerms))

	_, err := sb.Eval(context.Background(), "1")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestCallableRegistry(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()

	require.NoError(t, sb.RegisterCall(ctx, "sayX", func() string { return "HelloWorld" }))
	got, err := sb.Call(ctx, "sayX")
	require.NoError(t, err)
	assert.Equal(t, "HelloWorld", got)

	got, err = sb.Eval(ctx, "callable('sayX')")
	require.NoError(t, err)
	assert.Equal(t, "HelloWorld", got)

	require.NoError(t, sb.CancelCall(ctx, "sayX"))
	_, err = sb.Call(ctx, "sayX")
	assert.ErrorIs(t, err, ErrUnknownCallable)
	_, err = sb.Eval(ctx, "callable('sayX')")
	assert.ErrorIs(t, err, ErrUnknownCallable)
}

func TestCallableAccessor(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()
	callable := sb.Callable()

	assert.ErrorIs(t, callable.Set(ctx, "num", 12345), ErrNotCallable)

	require.NoError(t, callable.Set(ctx, "fn", func() int { return 12345 }))
	fn, err := callable.Get("fn")
	require.NoError(t, err)
	require.NotNil(t, fn)
	got, err := fn.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(12345), got)

	got, err = callable.Call(ctx, "fn")
	require.NoError(t, err)
	assert.Equal(t, float64(12345), got)

	require.NoError(t, callable.Delete(ctx, "fn"))
	fn, err = callable.Get("fn")
	require.NoError(t, err)
	assert.Nil(t, fn)
}

func TestContextSemantics(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()

	require.NoError(t, sb.Set(ctx, "a", 12345))
	got, err := sb.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, float64(12345), got)

	require.NoError(t, sb.Remove(ctx, "a"))
	got, err = sb.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, sb.Assign(ctx, map[string]any{
		"a": 1,
		"b": 2,
		"c": codec.Script("c(test) { return test }"),
		"d": codec.Script("async d(test) { return test }"),
	}))
	for name, want := range map[string]float64{"a": 1, "b": 2} {
		got, err := sb.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	c, err := sb.Get(ctx, "c")
	require.NoError(t, err)
	got, err = c.(codec.Function).Call(ctx, 12345)
	require.NoError(t, err)
	assert.Equal(t, float64(12345), got)

	d, err := sb.Get(ctx, "d")
	require.NoError(t, err)
	got, err = d.(codec.Function).Call(ctx, 54321)
	require.NoError(t, err)
	assert.Equal(t, float64(54321), got)
}

func TestContextAccessor(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()
	sbContext := sb.Context()

	require.NoError(t, sbContext.Set(ctx, "num", 12345))
	got, err := sbContext.Get(ctx, "num")
	require.NoError(t, err)
	assert.Equal(t, float64(12345), got)

	require.NoError(t, sbContext.Set(ctx, "nested", map[string]any{
		"a": 12345,
		"b": codec.Script("b() { return 12345 }"),
	}))
	nested, err := sbContext.Get(ctx, "nested")
	require.NoError(t, err)
	fields := nested.(map[string]any)
	assert.Equal(t, float64(12345), fields["a"])
	got, err = fields["b"].(codec.Function).Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(12345), got)

	require.NoError(t, sbContext.Delete(ctx, "num"))
	got, err = sbContext.Get(ctx, "num")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestErrorPropagation(t *testing.T) {
	sb := newTestSandbox(t)

	_, err := sb.Eval(context.Background(), "throw new Error('too young to die')")
	require.Error(t, err)
	var remote *codec.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "too young to die", remote.Message)
}

func TestDestroy(t *testing.T) {
	sb, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, StateActive, sb.State())

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, sb.Set(ctx, "block", func() string {
		<-release
		return "late"
	}))

	inFlight := make(chan error, 1)
	go func() {
		_, err := sb.Eval(ctx, "block()")
		inFlight <- err
	}()
	time.Sleep(50 * time.Millisecond)

	assert.True(t, sb.Destroy())
	assert.False(t, sb.Destroy())
	assert.Equal(t, StateDestroyed, sb.State())

	select {
	case err := <-inFlight:
		assert.ErrorIs(t, err, ErrInvalidState)
	case <-time.After(time.Second):
		t.Fatal("in-flight request did not fail")
	}

	_, err = sb.Eval(ctx, "1")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, sb.Set(ctx, "a", 1), ErrInvalidState)
	_, err = sb.Call(ctx, "f")
	assert.ErrorIs(t, err, ErrInvalidState)
	fn, err := sb.Callable().Get("block")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Nil(t, fn)
	_, err = sb.Context().Get(ctx, "a")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExecutionTimeout(t *testing.T) {
	runtime := worker.DefaultConfig()
	runtime.ExecTimeout = 50 * time.Millisecond
	sb := newTestSandbox(t, WithRuntime(runtime))

	_, err := sb.Eval(context.Background(), "while (true) {}")
	assert.ErrorIs(t, err, ErrExecutionTimeout)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestDestroyConcurrently(t *testing.T) {
	sb, err := New()
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sb.Destroy() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestErrorEvents(t *testing.T) {
	sb := newTestSandbox(t)

	received := make(chan Event, 4)
	listener := NewListener(func(e Event) { received <- e })
	require.NoError(t, sb.AddEventListener(EventError, listener))
	require.NoError(t, sb.AddEventListener(EventError, listener))

	require.NoError(t, sb.Execute(context.Background(), "reportError(new Error('too young to die'))"))

	select {
	case e := <-received:
		assert.Equal(t, EventError, e.Type)
		err, ok := e.Detail.(error)
		require.True(t, ok)
		var remote *codec.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "too young to die", remote.Message)
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}

	select {
	case e := <-received:
		t.Fatalf("listener called twice: %v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDispatchAndRemoveListener(t *testing.T) {
	sb := newTestSandbox(t)

	var calls atomic.Int32
	alwaysFail := NewListener(func(Event) { calls.Add(1) })
	require.NoError(t, sb.AddEventListener(EventError, alwaysFail))
	require.NoError(t, sb.RemoveEventListener(EventError, alwaysFail))

	dispatched, err := sb.DispatchEvent(Event{Type: EventError, Detail: errors.New("too young to die")})
	require.NoError(t, err)
	assert.False(t, dispatched)
	assert.Zero(t, calls.Load())

	var detail error
	require.NoError(t, sb.AddEventListener(EventError, NewListener(func(e Event) { detail = e.Detail.(error) })))
	dispatched, err = sb.DispatchEvent(Event{Type: EventError, Detail: errors.New("too young to die")})
	require.NoError(t, err)
	assert.True(t, dispatched)
	assert.EqualError(t, detail, "too young to die")
}

func TestEventsAfterDestroy(t *testing.T) {
	sb, err := New()
	require.NoError(t, err)

	var calls atomic.Int32
	listener := NewListener(func(Event) { calls.Add(1) })
	require.NoError(t, sb.AddEventListener(EventError, listener))
	require.True(t, sb.Destroy())

	assert.ErrorIs(t, sb.AddEventListener(EventError, listener), ErrInvalidState)
	assert.ErrorIs(t, sb.RemoveEventListener(EventError, listener), ErrInvalidState)
	dispatched, err := sb.DispatchEvent(Event{Type: EventError, Detail: errors.New("late")})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, dispatched)
	assert.Zero(t, calls.Load())
}

func TestCBORFormat(t *testing.T) {
	sb := newTestSandbox(t, WithFormat(codec.CBOR))

	got, err := sb.Eval(context.Background(), "({list: [1, 2], nested: {ok: true}})")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"list":   []any{float64(1), float64(2)},
		"nested": map[string]any{"ok": true},
	}, got)
}

func TestMetrics(t *testing.T) {
	metrics := monitoring.NewMetrics(nil)
	t.Cleanup(metrics.Close)

	sb, err := New(WithMetrics(metrics))
	require.NoError(t, err)
	_, err = sb.Eval(context.Background(), "1")
	require.NoError(t, err)

	assert.Equal(t, int64(1), metrics.Snapshot().ActiveSandbox)
	assert.Eventually(t, func() bool {
		return metrics.Snapshot().Requests >= 1
	}, time.Second, 10*time.Millisecond)

	sb.Destroy()
	assert.Equal(t, int64(0), metrics.Snapshot().ActiveSandbox)
}

func TestFunctionTokensStayBounded(t *testing.T) {
	metrics := monitoring.NewMetrics(nil)
	t.Cleanup(metrics.Close)
	sb := newTestSandbox(t, WithMetrics(metrics))
	ctx := context.Background()

	require.NoError(t, sb.Execute(ctx, "self.g = function(x) { return x + 1 }"))

	exchange := func() {
		g, err := sb.Get(ctx, "g")
		require.NoError(t, err)
		got, err := g.(codec.Function).Call(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, float64(2), got)

		require.NoError(t, sb.Set(ctx, "h", func(x float64) float64 { return x * 2 }))
		require.NoError(t, sb.Set(ctx, "nested", map[string]any{"h": func() string { return "nested" }}))
		got, err = sb.Eval(ctx, "h(21)")
		require.NoError(t, err)
		assert.Equal(t, float64(42), got)
	}

	exchange()
	baseline := testutil.ToFloat64(metrics.RPCCallables)
	for i := 0; i < 50; i++ {
		exchange()
	}
	assert.Equal(t, baseline, testutil.ToFloat64(metrics.RPCCallables))

	require.NoError(t, sb.Remove(ctx, "h"))
	require.NoError(t, sb.Remove(ctx, "nested"))
	assert.Equal(t, baseline-2, testutil.ToFloat64(metrics.RPCCallables))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Codec = "cbor"
	cfg.Permissions.Host = []string{"SEND_EVAL"}

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	assert.Equal(t, codec.CBOR, o.format)
	assert.True(t, o.hostPerms.CanSend(protocol.KindEval))
	assert.False(t, o.hostPerms.CanSend(protocol.KindCall))
	assert.Equal(t, cfg.Sandbox.ExecTimeout, o.runtime.ExecTimeout)

	cfg.Transport.Codec = "xml"
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)
}
