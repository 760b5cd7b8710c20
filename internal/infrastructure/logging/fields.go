package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// Sandbox tags a log line with a sandbox id
func Sandbox(id fmt.Stringer) zap.Field {
	return zap.Stringer("sandbox", id)
}

// Message tags a log line with a correlation id and operation kind
func Message(id, kind fmt.Stringer) zap.Field {
	return zap.Dict("msg", zap.Stringer("id", id), zap.Stringer("type", kind))
}

// Peer tags a log line with the side of the boundary emitting it
func Peer(name string) zap.Field {
	return zap.String("peer", name)
}
