package rpc

import (
	"errors"

	"github.com/GriffinCanCode/sandbox/internal/codec"
)

var (
	// ErrPermissionDenied is returned when an operation is not granted.
	// Locally it fails before anything is sent; remotely it comes back
	// as an error reply.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTimeout is returned when no reply arrives in time
	ErrTimeout = errors.New("request timed out")

	// ErrExecutionTimeout is returned when the receiving side answered
	// that running the request took longer than its execution limit
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrInvalidState is returned once the channel is closed
	ErrInvalidState = errors.New("channel closed")

	// ErrUnknownCallable is returned when calling a name that is not
	// registered. It travels as a ReferenceError.
	ErrUnknownCallable = errors.New("callable not registered")

	// ErrSerialization is returned when a value cannot cross the boundary
	ErrSerialization = codec.ErrSerialization

	// ErrNotCallable is returned when a function was expected
	ErrNotCallable = codec.ErrNotCallable
)

// Error names used on the wire
const (
	NamePermissionDenied = "PermissionDenied"
	NameReference        = "ReferenceError"
	NameTimeout          = "TimeoutError"
	NameExecutionTimeout = "ExecutionTimeoutError"
	NameInvalidState     = "InvalidStateError"
	NameSerialization    = "SerializationError"
	NameNotCallable      = "NotCallableError"
)

func init() {
	codec.RegisterErrorKind(NamePermissionDenied, ErrPermissionDenied)
	codec.RegisterErrorKind(NameReference, ErrUnknownCallable)
	codec.RegisterErrorKind(NameTimeout, ErrTimeout)
	codec.RegisterErrorKind(NameExecutionTimeout, ErrExecutionTimeout)
	codec.RegisterErrorKind(NameInvalidState, ErrInvalidState)
	codec.RegisterErrorKind(NameSerialization, ErrSerialization)
	codec.RegisterErrorKind(NameNotCallable, ErrNotCallable)
}
