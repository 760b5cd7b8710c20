package codec

import (
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/sandbox/internal/shared/utils"
)

// Codec wraps, serializes and revives values crossing the boundary
type Codec struct {
	binder   Binder
	format   Format
	maxDepth int
}

// Option configures a Codec
type Option func(*Codec)

// WithFormat selects the wire encoding
func WithFormat(f Format) Option {
	return func(c *Codec) {
		c.format = f
	}
}

// WithBinder connects function wrapping to a callable registry
func WithBinder(b Binder) Option {
	return func(c *Codec) {
		c.binder = b
	}
}

// WithMaxDepth limits nesting of encoded and decoded values
func WithMaxDepth(depth int) Option {
	return func(c *Codec) {
		c.maxDepth = depth
	}
}

// New creates a codec. Without a binder, functions wrap to their source
// only and unwrap to Script values.
func New(opts ...Option) *Codec {
	c := &Codec{
		format:   JSON,
		maxDepth: utils.MaxDepth,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bound returns a copy of c that wraps and unwraps functions through b
func (c *Codec) Bound(b Binder) *Codec {
	bound := *c
	bound.binder = b
	return &bound
}

// Format returns the wire encoding in use
func (c *Codec) Format() Format {
	return c.format
}

// Wrap converts a function, error or pattern into its wrapped form.
// ok is false for every other value, which passes through unchanged.
func (c *Codec) Wrap(v any) (w Wrapped, ok bool, err error) {
	switch t := v.(type) {
	case nil:
		return Wrapped{}, false, nil
	case Script:
		expr, _ := NormalizeSource(string(t))
		return Wrapped{Type: TypeFunction, Expression: expr}, true, nil
	case *Pattern:
		if t == nil {
			return Wrapped{}, false, nil
		}
		return Wrapped{Type: TypeRegExp, Expression: t.String()}, true, nil
	case Pattern:
		return Wrapped{Type: TypeRegExp, Expression: t.String()}, true, nil
	case *regexp.Regexp:
		if t == nil {
			return Wrapped{}, false, nil
		}
		return Wrapped{Type: TypeRegExp, Expression: "/" + t.String() + "/"}, true, nil
	case error:
		return wrapError(t), true, nil
	}

	if fn, isFn := AsFunction(v); isFn {
		return c.wrapFunction(fn)
	}
	return Wrapped{}, false, nil
}

func (c *Codec) wrapFunction(fn Function) (Wrapped, bool, error) {
	w := Wrapped{Type: TypeFunction}
	if s, ok := fn.(Sourcer); ok {
		w.Expression, _ = NormalizeSource(s.Source())
	}

	if h, ok := fn.(Handle); ok {
		w.Token = h.Token()
		return w, true, nil
	}

	if c.binder != nil {
		token, err := c.binder.Export(fn)
		if err != nil {
			return w, true, err
		}
		w.Token = token
	}
	return w, true, nil
}

// Unwrap rebuilds a wrapped value. A function with no reconstructable
// form unwraps to nil.
func (c *Codec) Unwrap(w Wrapped) (any, error) {
	switch w.Type {
	case TypeError:
		return unwrapError(w), nil
	case TypeRegExp:
		p, err := ParsePattern(w.Expression)
		if err != nil {
			return nil, serializationError("%v", err)
		}
		return p, nil
	case TypeFunction:
		if c.binder != nil {
			return c.binder.Import(w)
		}
		if w.Expression != "" {
			return Script(w.Expression), nil
		}
		return nil, nil
	default:
		return nil, serializationError("unknown wrapped type %q", w.Type)
	}
}

// Serialize encodes v into the configured wire format
func (c *Codec) Serialize(v any) ([]byte, error) {
	tree, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	data, err := c.format.Marshal(tree)
	if err != nil {
		return nil, serializationError("%s encode: %v", c.format, err)
	}
	return data, nil
}

// Deserialize decodes data and revives wrapped values and references
func (c *Codec) Deserialize(data []byte) (any, error) {
	tree, err := c.format.Unmarshal(data)
	if err != nil {
		return nil, serializationError("%s decode: %v", c.format, err)
	}
	return c.Decode(tree)
}

// Encode converts v into a plain tree of maps, slices and scalars with
// wrapped nodes and back references in place
func (c *Codec) Encode(v any) (any, error) {
	e := &encoder{
		codec: c,
		seen:  make(map[utils.Ref][]string),
	}
	return e.encode(v, nil)
}

// Decode revives a plain tree produced by Encode. The tree is modified
// in place.
func (c *Codec) Decode(tree any) (any, error) {
	d := &decoder{codec: c, root: tree}
	return d.revive(tree, 0)
}

type encoder struct {
	codec *Codec
	seen  map[utils.Ref][]string
}

func (e *encoder) encode(v any, path []string) (any, error) {
	if len(path) > e.codec.maxDepth {
		return nil, serializationError("nesting depth exceeds %d", e.codec.maxDepth)
	}

	switch t := v.(type) {
	case nil, bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v, nil
	case float64:
		return encodeFloat(t, v), nil
	case float32:
		return encodeFloat(float64(t), v), nil
	}

	w, ok, err := e.codec.Wrap(v)
	if err != nil {
		return nil, err
	}
	if ok {
		return w.node(), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Elem().Kind() == reflect.Struct {
			return e.encodeStruct(v, path)
		}
		return e.encode(rv.Elem().Interface(), path)
	case reflect.Struct:
		return e.encodeStruct(v, path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, serializationError("map key type %s is not supported", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		if ref, seen := e.backRef(v, path); seen {
			return ref, nil
		}
		return e.encodeMap(rv, path)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		if ref, seen := e.backRef(v, path); seen {
			return ref, nil
		}
		return e.encodeSlice(rv, path)
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return encodeFloat(rv.Float(), rv.Float()), nil
	default:
		return nil, serializationError("%T cannot cross the boundary", v)
	}
}

// encodeFloat returns plain unless f is NaN or infinite
func encodeFloat(f float64, plain any) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return numberNode(f)
	}
	return plain
}

// backRef returns a reference node when the container behind v was
// already emitted, and records its path otherwise
func (e *encoder) backRef(v any, path []string) (map[string]any, bool) {
	ref, ok := utils.Identity(v)
	if !ok {
		return nil, false
	}
	if first, seen := e.seen[ref]; seen {
		return refNode(first), true
	}
	e.seen[ref] = append([]string(nil), path...)
	return nil, false
}

func (e *encoder) encodeMap(rv reflect.Value, path []string) (any, error) {
	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	// Sorted so that first occurrences are stable for both peers
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		child := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface()
		encoded, err := e.encode(child, append(path, k))
		if err != nil {
			return nil, err
		}
		out[k] = encoded
	}
	return out, nil
}

func (e *encoder) encodeSlice(rv reflect.Value, path []string) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		encoded, err := e.encode(rv.Index(i).Interface(), append(path, strconv.Itoa(i)))
		if err != nil {
			return nil, err
		}
		out[i] = encoded
	}
	return out, nil
}

// encodeStruct goes through the JSON form of the struct, honoring its
// field tags
func (e *encoder) encodeStruct(v any, path []string) (any, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, serializationError("%T: %v", v, err)
	}
	var plain any
	if err := sonic.Unmarshal(data, &plain); err != nil {
		return nil, serializationError("%T: %v", v, err)
	}
	return e.encode(plain, path)
}

type decoder struct {
	codec *Codec
	root  any
}

func (d *decoder) revive(v any, depth int) (any, error) {
	if depth > d.codec.maxDepth {
		return nil, serializationError("nesting depth exceeds %d", d.codec.maxDepth)
	}

	switch t := v.(type) {
	case map[string]any:
		if isMarked(t) {
			switch Type(asString(t[fieldType])) {
			case typeRef:
				return d.resolve(t)
			case typeNumber:
				return parseNumber(t)
			}
			w, err := parseNode(t)
			if err != nil {
				return nil, err
			}
			return d.codec.Unwrap(w)
		}
		for k, child := range t {
			revived, err := d.revive(child, depth+1)
			if err != nil {
				return nil, err
			}
			t[k] = revived
		}
		return t, nil
	case []any:
		for i, child := range t {
			revived, err := d.revive(child, depth+1)
			if err != nil {
				return nil, err
			}
			t[i] = revived
		}
		return t, nil
	case uint64:
		if t <= 1<<53 {
			return float64(t), nil
		}
		return t, nil
	case int64:
		if math.Abs(float64(t)) <= 1<<53 {
			return float64(t), nil
		}
		return t, nil
	default:
		return v, nil
	}
}

// resolve follows a reference path from the root. Containers are
// revived in place, so the target keeps its identity whether or not it
// has been revived yet.
func (d *decoder) resolve(node map[string]any) (any, error) {
	path, err := refPath(node)
	if err != nil {
		return nil, err
	}

	cur := d.root
	for _, seg := range path {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[seg]
			if !ok {
				return nil, serializationError("reference to missing key %q", seg)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, serializationError("reference to missing index %q", seg)
			}
			cur = c[i]
		default:
			return nil, serializationError("reference passes through %T", cur)
		}
	}

	switch cur.(type) {
	case map[string]any, []any:
		return cur, nil
	default:
		return nil, serializationError("reference does not point at a container")
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
