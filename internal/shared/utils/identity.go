package utils

import "reflect"

// Ref identifies the storage behind a map or a slice.
type Ref struct {
	Pointer uintptr
	Len     int // -1 for maps
}

// Identity returns a key identifying the storage behind a map or a
// non-empty slice, so that two references to the same container compare
// equal. Other values report false.
func Identity(v interface{}) (Ref, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return Ref{}, false
		}
		return Ref{Pointer: rv.Pointer(), Len: -1}, true
	case reflect.Slice:
		// Empty slices may share the runtime's zero-size base pointer.
		if rv.Len() == 0 {
			return Ref{}, false
		}
		return Ref{Pointer: rv.Pointer(), Len: rv.Len()}, true
	default:
		return Ref{}, false
	}
}
