package protocol

import "fmt"

// OperationKind names one operation of the protocol
type OperationKind string

const (
	KindEval           OperationKind = "eval"
	KindCall           OperationKind = "call"
	KindRegister       OperationKind = "register"
	KindCancelRegister OperationKind = "cancel_register"
	KindAssign         OperationKind = "assign"
	KindAccess         OperationKind = "access"
	KindRemove         OperationKind = "remove"
	KindError          OperationKind = "error"
	KindResponse       OperationKind = "response"
)

// Kinds lists every operation kind in declaration order
var Kinds = []OperationKind{
	KindEval,
	KindCall,
	KindRegister,
	KindCancelRegister,
	KindAssign,
	KindAccess,
	KindRemove,
	KindError,
	KindResponse,
}

// String returns the wire name of the kind
func (k OperationKind) String() string {
	return string(k)
}

// IsValid reports whether k belongs to the closed set
func (k OperationKind) IsValid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsReply reports whether k settles a pending request rather than
// opening a new one
func (k OperationKind) IsReply() bool {
	return k == KindResponse || k == KindError
}

// ParseKind converts a wire name into an OperationKind
func ParseKind(s string) (OperationKind, error) {
	k := OperationKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("unknown operation kind %q", s)
	}
	return k, nil
}
