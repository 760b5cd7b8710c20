package codec

import (
	"fmt"
	"math"
)

// Type discriminates wrapped values
type Type string

const (
	TypeFunction Type = "type_function"
	TypeError    Type = "type_error"
	TypeRegExp   Type = "type_regexp"

	// typeRef points back at a container emitted earlier in the same payload
	typeRef Type = "type_ref"

	// typeNumber carries NaN and the infinities, which JSON cannot hold
	typeNumber Type = "type_number"
)

// Wrapped is the reconstructable form of a value that is not plain data
type Wrapped struct {
	Type Type

	// Function: registry token at the origin, and source when known.
	// RegExp: literal form /source/flags.
	Token      string
	Expression string

	// Error
	Name    string
	Message string
	Stack   string
}

// node field names
const (
	fieldType       = "type"
	fieldToken      = "token"
	fieldExpression = "expression"
	fieldName       = "name"
	fieldMessage    = "message"
	fieldStack      = "stack"
	fieldPath       = "path"
	fieldValue      = "value"
)

// node converts w into its marked wire form
func (w Wrapped) node() map[string]any {
	out := map[string]any{fieldType: string(w.Type)}
	switch w.Type {
	case TypeFunction:
		if w.Token != "" {
			out[fieldToken] = w.Token
		}
		if w.Expression != "" {
			out[fieldExpression] = w.Expression
		}
	case TypeError:
		out[fieldName] = w.Name
		out[fieldMessage] = w.Message
		out[fieldStack] = w.Stack
	case TypeRegExp:
		out[fieldExpression] = w.Expression
	}
	return mark(out)
}

// parseNode reads a marked wire node back into a Wrapped
func parseNode(node map[string]any) (Wrapped, error) {
	str := func(key string) string {
		s, _ := node[key].(string)
		return s
	}

	w := Wrapped{Type: Type(str(fieldType))}
	switch w.Type {
	case TypeFunction:
		w.Token = str(fieldToken)
		w.Expression = str(fieldExpression)
	case TypeError:
		w.Name = str(fieldName)
		w.Message = str(fieldMessage)
		w.Stack = str(fieldStack)
	case TypeRegExp:
		w.Expression = str(fieldExpression)
	default:
		return Wrapped{}, serializationError("unknown wrapped type %q", w.Type)
	}
	return w, nil
}

func refNode(path []string) map[string]any {
	segments := make([]any, len(path))
	for i, seg := range path {
		segments[i] = seg
	}
	return mark(map[string]any{
		fieldType: string(typeRef),
		fieldPath: segments,
	})
}

// numberNode encodes a non-finite float under its JavaScript name
func numberNode(f float64) map[string]any {
	name := "NaN"
	switch {
	case math.IsInf(f, 1):
		name = "Infinity"
	case math.IsInf(f, -1):
		name = "-Infinity"
	}
	return mark(map[string]any{
		fieldType:  string(typeNumber),
		fieldValue: name,
	})
}

func parseNumber(node map[string]any) (float64, error) {
	switch asString(node[fieldValue]) {
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	return 0, serializationError("invalid number node %v", node[fieldValue])
}

func refPath(node map[string]any) ([]string, error) {
	raw, ok := node[fieldPath].([]any)
	if !ok {
		return nil, serializationError("reference has no path")
	}
	path := make([]string, len(raw))
	for i, seg := range raw {
		s, ok := seg.(string)
		if !ok {
			return nil, serializationError("reference path segment %d is %T", i, seg)
		}
		path[i] = s
	}
	return path, nil
}

func (w Wrapped) String() string {
	switch w.Type {
	case TypeFunction:
		if w.Token != "" {
			return fmt.Sprintf("function<%s>", w.Token)
		}
		return "function"
	case TypeError:
		return w.Name + ": " + w.Message
	default:
		return w.Expression
	}
}
