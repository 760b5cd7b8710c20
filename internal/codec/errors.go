package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrSerialization is returned when a value cannot be wrapped or a
	// wrapped value cannot be rebuilt
	ErrSerialization = errors.New("serialization failed")

	// ErrNotCallable is returned when a function was expected
	ErrNotCallable = errors.New("value is not callable")
)

// Generic error name used when nothing more specific is known
const ErrorName = "Error"

var (
	kindsMu sync.RWMutex
	kinds   = map[string]error{}
)

// RegisterErrorKind associates an error name with a sentinel. A
// RemoteError with that name unwraps to the sentinel, and a local error
// matching the sentinel is wrapped under that name.
func RegisterErrorKind(name string, sentinel error) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[name] = sentinel
}

func lookupKind(name string) error {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	return kinds[name]
}

// ErrorKind returns the registered name matching err, or ErrorName.
// A RemoteError keeps its own name.
func ErrorKind(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Name
	}

	kindsMu.RLock()
	defer kindsMu.RUnlock()

	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if errors.Is(err, kinds[name]) {
			return name
		}
	}
	return ErrorName
}

// RemoteError is an error raised on the other side of the boundary.
// Name, Message and Stack are carried over verbatim.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

// NewRemoteError creates a remote error with a synthesized stack
func NewRemoteError(name, message string) *RemoteError {
	if name == "" {
		name = ErrorName
	}
	return &RemoteError{
		Name:    name,
		Message: message,
		Stack:   name + ": " + message,
	}
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Unwrap returns the sentinel registered for the error's name, if any
func (e *RemoteError) Unwrap() error {
	return lookupKind(e.Name)
}

// wrapError captures the name, message and stack of err
func wrapError(err error) Wrapped {
	var remote *RemoteError
	if errors.As(err, &remote) {
		w := Wrapped{
			Type:    TypeError,
			Name:    remote.Name,
			Message: remote.Message,
			Stack:   remote.Stack,
		}
		// Keep context added by local wrapping
		if remote.Error() != err.Error() {
			w.Message = err.Error()
		}
		return w
	}

	w := Wrapped{
		Type:    TypeError,
		Name:    ErrorKind(err),
		Message: err.Error(),
	}
	if st, ok := err.(interface{ StackTrace() string }); ok {
		w.Stack = st.StackTrace()
	}
	if w.Stack == "" {
		w.Stack = w.Name + ": " + w.Message
	}
	return w
}

func unwrapError(w Wrapped) *RemoteError {
	name := w.Name
	if name == "" {
		name = ErrorName
	}
	stack := w.Stack
	if stack == "" {
		stack = name + ": " + w.Message
	}
	return &RemoteError{Name: name, Message: w.Message, Stack: stack}
}

// serializationError wraps a cause with ErrSerialization
func serializationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSerialization, strings.TrimSpace(fmt.Sprintf(format, args...)))
}
