package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/sandbox/internal/codec"
	"github.com/GriffinCanCode/sandbox/internal/shared/utils"
)

// Function is a JavaScript function living in this worker
type Function struct {
	rt     *Runtime
	obj    *goja.Object
	fn     goja.Callable
	source string
}

func (r *Runtime) newFunction(obj *goja.Object) (*Function, bool) {
	fn, ok := goja.AssertFunction(obj)
	if !ok {
		return nil, false
	}
	return &Function{rt: r, obj: obj, fn: fn, source: obj.String()}, true
}

// Call invokes the function on the worker's loop goroutine and settles a
// returned promise
func (f *Function) Call(ctx context.Context, args ...any) (any, error) {
	vals := make([]goja.Value, len(args))
	for i, arg := range args {
		v, err := f.rt.ToJS(arg)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}

	res, err := f.rt.Call(ctx, f.fn, vals...)
	if err != nil {
		return nil, err
	}
	res, err = f.rt.Settle(ctx, res)
	if err != nil {
		return nil, err
	}
	return f.rt.ToGo(res)
}

// Source returns the function's JavaScript source
func (f *Function) Source() string {
	return f.source
}

// Identity is the underlying JavaScript object, so a function crossing
// twice keeps one token
func (f *Function) Identity() any {
	return f.obj
}

// ============================================================================
// JavaScript to Go
// ============================================================================

// ToGo converts a JavaScript value into a codec value. Shared objects and
// cycles are preserved.
func (r *Runtime) ToGo(v goja.Value) (any, error) {
	return r.toGo(v, make(map[*goja.Object]any), 0)
}

func (r *Runtime) exportArgs(args []goja.Value) ([]any, error) {
	memo := make(map[*goja.Object]any)
	out := make([]any, len(args))
	for i, arg := range args {
		v, err := r.toGo(arg, memo, 0)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (r *Runtime) toGo(v goja.Value, memo map[*goja.Object]any, depth int) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if depth > utils.MaxDepth {
		return nil, fmt.Errorf("%w: value nested deeper than %d", codec.ErrSerialization, utils.MaxDepth)
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export(), nil
	}
	if seen, ok := memo[obj]; ok {
		return seen, nil
	}
	if native, ok := r.natives[obj]; ok {
		return native, nil
	}

	switch obj.ClassName() {
	case "Function", "AsyncFunction", "GeneratorFunction", "AsyncGeneratorFunction":
		fn, ok := r.newFunction(obj)
		if !ok {
			return nil, fmt.Errorf("%w: class constructors cannot cross the boundary", codec.ErrSerialization)
		}
		memo[obj] = fn
		return fn, nil

	case "Error":
		return r.jsError(obj), nil

	case "RegExp":
		p, err := codec.ParsePattern(obj.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", codec.ErrSerialization, err)
		}
		return p, nil

	case "Promise":
		return nil, fmt.Errorf("%w: nested promises cannot cross the boundary", codec.ErrSerialization)

	case "Date":
		return obj.Export(), nil

	case "Array":
		length := int(obj.Get("length").ToInteger())
		out := make([]any, length)
		if length > 0 {
			memo[obj] = out
		}
		for i := 0; i < length; i++ {
			item, err := r.toGo(obj.Get(strconv.Itoa(i)), memo, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	}

	out := make(map[string]any)
	memo[obj] = out
	for _, key := range obj.Keys() {
		item, err := r.toGo(obj.Get(key), memo, depth+1)
		if err != nil {
			return nil, err
		}
		out[key] = item
	}
	return out, nil
}

// jsError converts a thrown JavaScript value into a remote error
func (r *Runtime) jsError(v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Error" {
		msg := "undefined"
		if v != nil {
			msg = v.String()
		}
		return codec.NewRemoteError(codec.ErrorName, msg)
	}

	name := codec.ErrorName
	if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
		name = n.String()
	}
	var message, stack string
	if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
		message = m.String()
	}
	if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) {
		stack = s.String()
	}
	if stack == "" {
		stack = name + ": " + message
	}
	return &codec.RemoteError{Name: name, Message: message, Stack: stack}
}

// ============================================================================
// Go to JavaScript
// ============================================================================

// ToJS converts a codec value into a JavaScript value. Shared maps and
// slices become shared objects.
func (r *Runtime) ToJS(v any) (goja.Value, error) {
	return r.toJS(v, make(map[utils.Ref]goja.Value), 0)
}

func (r *Runtime) toJS(v any, memo map[utils.Ref]goja.Value, depth int) (goja.Value, error) {
	if depth > utils.MaxDepth {
		return nil, fmt.Errorf("%w: value nested deeper than %d", codec.ErrSerialization, utils.MaxDepth)
	}

	switch t := v.(type) {
	case nil:
		return goja.Null(), nil
	case goja.Value:
		return t, nil
	case *Function:
		if t.rt == r {
			return t.obj, nil
		}
	case codec.Script:
		fn, err := r.Compile(string(t))
		if err != nil {
			return nil, err
		}
		return fn.(*Function).obj, nil
	case *codec.Pattern:
		if t == nil {
			return goja.Null(), nil
		}
		return r.vm.New(r.vm.Get("RegExp"), r.vm.ToValue(t.Source), r.vm.ToValue(t.Flags))
	case codec.Pattern:
		return r.vm.New(r.vm.Get("RegExp"), r.vm.ToValue(t.Source), r.vm.ToValue(t.Flags))
	case error:
		return r.toJSError(t), nil
	case map[string]any:
		return r.toJSObject(t, memo, depth)
	case []any:
		return r.toJSArray(t, memo, depth)
	case string, bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return r.vm.ToValue(t), nil
	}

	if fn, ok := codec.AsFunction(v); ok {
		return r.wrapNative(fn), nil
	}
	return r.vm.ToValue(v), nil
}

func (r *Runtime) toJSObject(m map[string]any, memo map[utils.Ref]goja.Value, depth int) (goja.Value, error) {
	ref, hasRef := utils.Identity(m)
	if hasRef {
		if seen, ok := memo[ref]; ok {
			return seen, nil
		}
	}

	obj := r.vm.NewObject()
	if hasRef {
		memo[ref] = obj
	}
	for key, item := range m {
		val, err := r.toJS(item, memo, depth+1)
		if err != nil {
			return nil, err
		}
		if err := obj.Set(key, val); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (r *Runtime) toJSArray(s []any, memo map[utils.Ref]goja.Value, depth int) (goja.Value, error) {
	ref, hasRef := utils.Identity(s)
	if hasRef {
		if seen, ok := memo[ref]; ok {
			return seen, nil
		}
	}

	arr := r.vm.NewArray()
	if hasRef {
		memo[ref] = arr
	}
	for i, item := range s {
		val, err := r.toJS(item, memo, depth+1)
		if err != nil {
			return nil, err
		}
		if err := arr.Set(strconv.Itoa(i), val); err != nil {
			return nil, err
		}
	}
	return arr, nil
}

// wrapNative exposes a Go function, usually a stub for a host function,
// as a JavaScript function. A stub gets one wrapper per token.
func (r *Runtime) wrapNative(fn codec.Function) goja.Value {
	handle, isHandle := fn.(codec.Handle)
	if isHandle {
		if obj, ok := r.wrappers[handle.Token()]; ok {
			return obj
		}
	}

	obj := r.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args, err := r.exportArgs(call.Arguments)
		if err != nil {
			panic(r.toJSError(err))
		}
		result, err := fn.Call(r.ctx, args...)
		if err != nil {
			panic(r.toJSError(err))
		}
		val, err := r.ToJS(result)
		if err != nil {
			panic(r.toJSError(err))
		}
		return val
	}).(*goja.Object)

	r.natives[obj] = fn
	if isHandle {
		r.wrappers[handle.Token()] = obj
	}
	return obj
}

// forget drops the wrappers reachable from a replaced binding that the
// new value does not use. The host releases their tokens along with the
// binding.
func (r *Runtime) forget(prev, next goja.Value) {
	stale := make(map[*goja.Object]struct{})
	r.collectNatives(prev, stale, make(map[*goja.Object]bool), 0)
	if len(stale) == 0 {
		return
	}
	kept := make(map[*goja.Object]struct{})
	r.collectNatives(next, kept, make(map[*goja.Object]bool), 0)

	for obj := range stale {
		if _, ok := kept[obj]; ok {
			continue
		}
		if h, ok := r.natives[obj].(codec.Handle); ok && r.wrappers[h.Token()] == obj {
			delete(r.wrappers, h.Token())
		}
		delete(r.natives, obj)
	}
}

// collectNatives finds the native wrappers in v, walking plain objects
// and arrays
func (r *Runtime) collectNatives(v goja.Value, into map[*goja.Object]struct{}, seen map[*goja.Object]bool, depth int) {
	obj, ok := v.(*goja.Object)
	if !ok || seen[obj] || depth > utils.MaxDepth {
		return
	}
	seen[obj] = true
	if _, ok := r.natives[obj]; ok {
		into[obj] = struct{}{}
		return
	}
	switch obj.ClassName() {
	case "Object", "Array":
		for _, key := range obj.Keys() {
			r.collectNatives(obj.Get(key), into, seen, depth+1)
		}
	}
}

// toJSError rebuilds err as a JavaScript error, using the global
// constructor of the same name when there is one
func (r *Runtime) toJSError(err error) *goja.Object {
	name, message, stack := codec.ErrorKind(err), err.Error(), ""

	var remote *codec.RemoteError
	if errors.As(err, &remote) {
		name, stack = remote.Name, remote.Stack
		if remote.Error() == err.Error() {
			message = remote.Message
		}
	}

	obj := r.construct(name, message)
	if obj.Get("name").String() != name {
		_ = obj.Set("name", name)
	}
	if stack != "" {
		_ = obj.Set("stack", stack)
	}
	return obj
}

func (r *Runtime) construct(name, message string) *goja.Object {
	if ctor := r.vm.Get(name); ctor != nil {
		if _, ok := goja.AssertConstructor(ctor); ok {
			if obj, err := r.vm.New(ctor, r.vm.ToValue(message)); err == nil && obj.ClassName() == "Error" {
				return obj
			}
		}
	}
	obj, err := r.vm.New(r.vm.Get("Error"), r.vm.ToValue(message))
	if err != nil {
		return r.vm.NewGoError(errors.New(message))
	}
	return obj
}
