// Package id provides identifier generation for the sandbox RPC layer.
//
// Correlation ids and function tokens are prefixed ULIDs:
//   - Lexicographic sortability: ids sort by creation time in logs
//   - Prefixed types: msg_* for messages, fn_* for function tokens,
//     trace_* and span_* for tracing
//   - Type safety: separate types prevent passing a token as a message id
//
// Sandbox instances are identified with random UUIDs since they are
// never sorted or correlated across peers.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MessageID correlates a request with its response
type MessageID string

// FunctionToken names a function registered for remote invocation
type FunctionToken string

// SandboxID identifies a sandbox instance
type SandboxID string

// ============================================================================
// ID Prefixes
// ============================================================================

const (
	MessagePrefix  = "msg"
	FunctionPrefix = "fn"
	TracePrefix    = "trace"
	SpanPrefix     = "span"
)

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// ============================================================================
// Typed ID Generators
// ============================================================================

// NewMessageID generates a new correlation id
func NewMessageID() MessageID {
	return MessageID(Default().GenerateWithPrefix(MessagePrefix))
}

// NewFunctionToken generates a new function token
func NewFunctionToken() FunctionToken {
	return FunctionToken(Default().GenerateWithPrefix(FunctionPrefix))
}

// NewSandboxID generates a new sandbox id
func NewSandboxID() SandboxID {
	return SandboxID(uuid.NewString())
}

func (id MessageID) String() string     { return string(id) }
func (id FunctionToken) String() string { return string(id) }
func (id SandboxID) String() string     { return string(id) }

// IsFunctionToken reports whether name has the shape of a function token.
// Registered callables may not use this shape.
func IsFunctionToken(name string) bool {
	prefix, rest, ok := strings.Cut(name, "_")
	return ok && prefix == FunctionPrefix && IsValid(rest)
}

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}

// Parse parses a ULID string
func Parse(id string) (ulid.ULID, error) {
	return ulid.Parse(id)
}

// Timestamp extracts the timestamp from a prefixed or bare ULID
func Timestamp(id string) (time.Time, error) {
	if _, rest, ok := strings.Cut(id, "_"); ok {
		id = rest
	}
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
