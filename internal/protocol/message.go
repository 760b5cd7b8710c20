package protocol

import (
	"fmt"

	"github.com/GriffinCanCode/sandbox/internal/shared/id"
)

// Message is the envelope exchanged between peers.
// Payload and Error hold codec values: they may contain functions,
// errors and patterns that the codec wraps on the way out.
type Message struct {
	ID      id.MessageID
	Type    OperationKind
	Payload any
	Error   error

	// Trace context of the sending span, empty when not traced
	Trace string
	Span  string
}

// Envelope field names on the wire
const (
	FieldID      = "id"
	FieldType    = "type"
	FieldPayload = "payload"
	FieldError   = "error"
	FieldTrace   = "trace"
	FieldSpan    = "span"
)

// ToMap converts the message into the generic form handed to the codec
func (m Message) ToMap() map[string]any {
	out := map[string]any{
		FieldID:      string(m.ID),
		FieldType:    string(m.Type),
		FieldPayload: m.Payload,
	}
	if m.Error != nil {
		out[FieldError] = m.Error
	}
	if m.Trace != "" {
		out[FieldTrace] = m.Trace
		out[FieldSpan] = m.Span
	}
	return out
}

// FromMap rebuilds a message from its decoded generic form
func FromMap(raw any) (Message, error) {
	fields, ok := raw.(map[string]any)
	if !ok {
		return Message{}, fmt.Errorf("message must be an object, got %T", raw)
	}

	msgID, _ := fields[FieldID].(string)
	if msgID == "" {
		return Message{}, fmt.Errorf("message has no id")
	}

	typeName, _ := fields[FieldType].(string)
	kind, err := ParseKind(typeName)
	if err != nil {
		return Message{}, fmt.Errorf("message %s: %w", msgID, err)
	}

	msg := Message{
		ID:      id.MessageID(msgID),
		Type:    kind,
		Payload: fields[FieldPayload],
	}
	msg.Trace, _ = fields[FieldTrace].(string)
	msg.Span, _ = fields[FieldSpan].(string)

	if rawErr, present := fields[FieldError]; present && rawErr != nil {
		e, ok := rawErr.(error)
		if !ok {
			e = fmt.Errorf("%v", rawErr)
		}
		msg.Error = e
	}

	return msg, nil
}

// CallPayload is the payload of a call request
type CallPayload struct {
	Name string
	Args []any
}

// ToMap converts the payload into its generic form
func (p CallPayload) ToMap() map[string]any {
	args := p.Args
	if args == nil {
		args = []any{}
	}
	return map[string]any{"name": p.Name, "args": args}
}

// ParseCallPayload reads a decoded call payload
func ParseCallPayload(raw any) (CallPayload, error) {
	fields, ok := raw.(map[string]any)
	if !ok {
		return CallPayload{}, fmt.Errorf("call payload must be an object, got %T", raw)
	}
	name, _ := fields["name"].(string)
	if name == "" {
		return CallPayload{}, fmt.Errorf("call payload has no name")
	}
	args, _ := fields["args"].([]any)
	return CallPayload{Name: name, Args: args}, nil
}

// BindingPayload is the payload of register, assign, access, remove and
// cancel_register requests. Value is unused by access, remove and
// cancel_register.
type BindingPayload struct {
	Name  string
	Value any
}

// ToMap converts the payload into its generic form
func (p BindingPayload) ToMap() map[string]any {
	return map[string]any{"name": p.Name, "value": p.Value}
}

// ParseBindingPayload reads a decoded binding payload
func ParseBindingPayload(raw any) (BindingPayload, error) {
	fields, ok := raw.(map[string]any)
	if !ok {
		return BindingPayload{}, fmt.Errorf("binding payload must be an object, got %T", raw)
	}
	name, _ := fields["name"].(string)
	if name == "" {
		return BindingPayload{}, fmt.Errorf("binding payload has no name")
	}
	return BindingPayload{Name: name, Value: fields["value"]}, nil
}
