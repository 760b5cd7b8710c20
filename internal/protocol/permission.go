package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// Direction tells whether a permission covers initiating or serving an operation
type Direction uint8

const (
	Send Direction = iota + 1
	Receive
)

// String returns the canonical prefix for the direction
func (d Direction) String() string {
	switch d {
	case Send:
		return "SEND"
	case Receive:
		return "RECEIVE"
	default:
		return "UNKNOWN"
	}
}

// Permission gates one direction of one operation kind
type Permission struct {
	Kind      OperationKind
	Direction Direction
}

// Send-side permissions
var (
	SendEval           = Permission{KindEval, Send}
	SendCall           = Permission{KindCall, Send}
	SendRegister       = Permission{KindRegister, Send}
	SendCancelRegister = Permission{KindCancelRegister, Send}
	SendAssign         = Permission{KindAssign, Send}
	SendAccess         = Permission{KindAccess, Send}
	SendRemove         = Permission{KindRemove, Send}
	SendError          = Permission{KindError, Send}
)

// Receive-side permissions
var (
	ReceiveEval           = Permission{KindEval, Receive}
	ReceiveCall           = Permission{KindCall, Receive}
	ReceiveRegister       = Permission{KindRegister, Receive}
	ReceiveCancelRegister = Permission{KindCancelRegister, Receive}
	ReceiveAssign         = Permission{KindAssign, Receive}
	ReceiveAccess         = Permission{KindAccess, Receive}
	ReceiveRemove         = Permission{KindRemove, Receive}
	ReceiveError          = Permission{KindError, Receive}
)

// String returns the canonical token, e.g. SEND_EVAL
func (p Permission) String() string {
	return p.Direction.String() + "_" + strings.ToUpper(string(p.Kind))
}

// Validate rejects permissions naming an unknown kind or direction.
// Replies are never gated, so response permissions are invalid too.
func (p Permission) Validate() error {
	if p.Direction != Send && p.Direction != Receive {
		return fmt.Errorf("permission %s: unknown direction", p)
	}
	if !p.Kind.IsValid() || p.Kind == KindResponse {
		return fmt.Errorf("permission %s: kind %q cannot be granted", p, p.Kind)
	}
	return nil
}

// ParsePermission converts a canonical token such as SEND_EVAL or
// receive_cancel_register into a Permission
func ParsePermission(s string) (Permission, error) {
	token := strings.ToUpper(strings.TrimSpace(s))

	var p Permission
	switch {
	case strings.HasPrefix(token, "SEND_"):
		p.Direction = Send
		token = strings.TrimPrefix(token, "SEND_")
	case strings.HasPrefix(token, "RECEIVE_"):
		p.Direction = Receive
		token = strings.TrimPrefix(token, "RECEIVE_")
	default:
		return Permission{}, fmt.Errorf("invalid permission %q: missing SEND_ or RECEIVE_ prefix", s)
	}

	kind, err := ParseKind(strings.ToLower(token))
	if err != nil {
		return Permission{}, fmt.Errorf("invalid permission %q: %w", s, err)
	}
	p.Kind = kind

	if err := p.Validate(); err != nil {
		return Permission{}, err
	}
	return p, nil
}

// ParsePermissions parses a list of canonical tokens
func ParsePermissions(tokens []string) ([]Permission, error) {
	perms := make([]Permission, 0, len(tokens))
	for _, token := range tokens {
		if strings.TrimSpace(token) == "" {
			continue
		}
		p, err := ParsePermission(token)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, nil
}

// Permissions is an immutable set of granted permissions
type Permissions struct {
	granted map[Permission]struct{}
}

// NewPermissions builds a set from granted permissions. Invalid entries
// are rejected as a whole; use Validate on individual entries to report them.
func NewPermissions(granted ...Permission) (*Permissions, error) {
	set := make(map[Permission]struct{}, len(granted))
	for _, p := range granted {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		set[p] = struct{}{}
	}
	return &Permissions{granted: set}, nil
}

// MustPermissions is NewPermissions that panics on invalid input.
// Intended for package-level presets.
func MustPermissions(granted ...Permission) *Permissions {
	p, err := NewPermissions(granted...)
	if err != nil {
		panic(err)
	}
	return p
}

// Has reports whether kind is granted in direction. A nil set grants nothing.
func (p *Permissions) Has(kind OperationKind, direction Direction) bool {
	if p == nil {
		return false
	}
	_, ok := p.granted[Permission{Kind: kind, Direction: direction}]
	return ok
}

// CanSend reports whether the peer may initiate kind
func (p *Permissions) CanSend(kind OperationKind) bool {
	return p.Has(kind, Send)
}

// CanReceive reports whether the peer may serve kind
func (p *Permissions) CanReceive(kind OperationKind) bool {
	return p.Has(kind, Receive)
}

// List returns the granted permissions sorted by token
func (p *Permissions) List() []Permission {
	if p == nil {
		return nil
	}
	out := make([]Permission, 0, len(p.granted))
	for perm := range p.granted {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// Strings returns the granted permissions as canonical tokens
func (p *Permissions) Strings() []string {
	list := p.List()
	out := make([]string, len(list))
	for i, perm := range list {
		out[i] = perm.String()
	}
	return out
}

// HostDefaults grants a host everything it needs to drive a worker:
// every send permission, plus serving calls into host functions and
// receiving unsolicited worker errors.
func HostDefaults() *Permissions {
	return MustPermissions(
		SendEval,
		SendCall,
		SendRegister,
		SendCancelRegister,
		SendAssign,
		SendAccess,
		SendRemove,
		ReceiveCall,
		ReceiveError,
	)
}

// WorkerDefaults grants a worker every receive permission, plus calling
// back into host functions and reporting unsolicited errors.
func WorkerDefaults() *Permissions {
	return MustPermissions(
		ReceiveEval,
		ReceiveCall,
		ReceiveRegister,
		ReceiveCancelRegister,
		ReceiveAssign,
		ReceiveAccess,
		ReceiveRemove,
		SendCall,
		SendError,
	)
}
