package codec

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
)

// Function is a value that can be invoked across the boundary
type Function interface {
	Call(ctx context.Context, args ...any) (any, error)
}

// Func adapts an ordinary Go function to Function
type Func func(ctx context.Context, args ...any) (any, error)

// Call invokes f
func (f Func) Call(ctx context.Context, args ...any) (any, error) {
	return f(ctx, args...)
}

// Handle is a function that already owns a registry token, such as a
// stub for a function living on the other side. Wrapping a Handle
// reuses its token instead of exporting it again.
type Handle interface {
	Function
	Token() string
}

// Identifier is implemented by functions that know their own identity.
// A Binder exporting two functions with the same comparable identity
// hands out the same token.
type Identifier interface {
	Identity() any
}

// Sourcer is implemented by functions whose JavaScript source is known
type Sourcer interface {
	Source() string
}

// Script is JavaScript function source. It is shipped as an expression
// and rebuilt by a receiver able to compile it.
type Script string

// Source returns the script text
func (s Script) Source() string {
	return string(s)
}

// Binder connects the codec to a callable registry
type Binder interface {
	// Export registers fn and returns the token naming it
	Export(fn Function) (string, error)

	// Import rebuilds a wrapped function. A nil result with a nil error
	// means the function has no reconstructable form.
	Import(w Wrapped) (any, error)
}

var (
	nativeCode = regexp.MustCompile(`\{\s*\[native code\]\s*\}$`)
	methodHead = regexp.MustCompile(`^(?:async\s+)?(?:\*\s*)?([A-Za-z_$][\w$]*)\s*\(`)
)

// NormalizeSource turns function source into a standalone expression.
// Method definitions such as `name(a) { ... }` are rewritten to
// `({ name(a) { ... } })["name"]`. Native functions have no usable
// source and report false.
func NormalizeSource(src string) (string, bool) {
	src = strings.TrimSpace(src)
	if src == "" || nativeCode.MatchString(src) {
		return "", false
	}

	m := methodHead.FindStringSubmatchIndex(src)
	if m == nil {
		return src, true
	}
	name := src[m[2]:m[3]]
	if name == "function" || !bodyFollows(src, m[1]-1) {
		return src, true
	}
	return fmt.Sprintf("({ %s })[%q]", src, name), true
}

// bodyFollows reports whether the parameter list opening at open is
// followed by a block, which separates `f(a) {}` from `async (a) => a`
func bodyFollows(src string, open int) bool {
	depth := 0
	for i := open; i < len(src); i++ {
		switch src[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				rest := strings.TrimLeft(src[i+1:], " \t\r\n")
				return strings.HasPrefix(rest, "{")
			}
		}
	}
	return false
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// AsFunction adapts v to Function. Besides Function implementations it
// accepts any Go func; arguments are converted to the parameter types
// and a trailing error result becomes the call error. A leading
// context.Context parameter receives the call context.
func AsFunction(v any) (Function, bool) {
	switch fn := v.(type) {
	case nil:
		return nil, false
	case Function:
		return fn, true
	case func(context.Context, ...any) (any, error):
		return Func(fn), true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, false
	}
	return reflectFunc{fn: rv}, true
}

// IsFunction reports whether v is wrapped as a function
func IsFunction(v any) bool {
	if _, ok := v.(Script); ok {
		return true
	}
	_, ok := AsFunction(v)
	return ok
}

type reflectFunc struct {
	fn reflect.Value
}

func (r reflectFunc) Call(ctx context.Context, args ...any) (any, error) {
	t := r.fn.Type()

	in := make([]reflect.Value, 0, t.NumIn())
	offset := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}

	for i := offset; i < t.NumIn(); i++ {
		pos := i - offset

		if t.IsVariadic() && i == t.NumIn()-1 {
			elem := t.In(i).Elem()
			for j := pos; j < len(args); j++ {
				arg, err := convertArg(args[j], elem)
				if err != nil {
					return nil, fmt.Errorf("argument %d: %w", j, err)
				}
				in = append(in, arg)
			}
			break
		}

		var raw any
		if pos < len(args) {
			raw = args[pos]
		}
		arg, err := convertArg(raw, t.In(i))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", pos, err)
		}
		in = append(in, arg)
	}

	return unpackResults(r.fn.Call(in))
}

func convertArg(arg any, target reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(target), nil
	}

	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(target) {
		return v, nil
	}
	if isNumeric(v.Kind()) && isNumeric(target.Kind()) {
		return v.Convert(target), nil
	}
	if v.Kind() == reflect.String && target.Kind() == reflect.String {
		return v.Convert(target), nil
	}
	if target.Kind() == reflect.Func {
		if fn, ok := AsFunction(arg); ok {
			return bindFunc(fn, target), nil
		}
	}

	// Structured values go through their JSON form
	data, err := sonic.Marshal(arg)
	if err != nil {
		return reflect.Value{}, serializationError("cannot convert %T to %s: %v", arg, target, err)
	}
	out := reflect.New(target)
	if err := sonic.Unmarshal(data, out.Interface()); err != nil {
		return reflect.Value{}, serializationError("cannot convert %T to %s: %v", arg, target, err)
	}
	return out.Elem(), nil
}

// bindFunc builds a Go func of type target that forwards to fn
func bindFunc(fn Function, target reflect.Type) reflect.Value {
	return reflect.MakeFunc(target, func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		args := make([]any, 0, len(in))
		for i, v := range in {
			if i == 0 && target.In(0) == contextType {
				ctx, _ = v.Interface().(context.Context)
				continue
			}
			if target.IsVariadic() && i == len(in)-1 {
				for j := 0; j < v.Len(); j++ {
					args = append(args, v.Index(j).Interface())
				}
				continue
			}
			args = append(args, v.Interface())
		}

		result, err := fn.Call(ctx, args...)

		out := make([]reflect.Value, target.NumOut())
		for i := range out {
			rt := target.Out(i)
			switch {
			case rt == errorType:
				if err != nil {
					out[i] = reflect.ValueOf(&err).Elem()
				} else {
					out[i] = reflect.Zero(rt)
				}
			case i == 0 && err == nil:
				v, convErr := convertArg(result, rt)
				if convErr != nil {
					v = reflect.Zero(rt)
				}
				out[i] = v
			default:
				out[i] = reflect.Zero(rt)
			}
		}
		return out
	})
}

func unpackResults(out []reflect.Value) (any, error) {
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if errVal := out[n-1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
		out = out[:n-1]
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		values := make([]any, len(out))
		for i, v := range out {
			values[i] = v.Interface()
		}
		return values, nil
	}
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
