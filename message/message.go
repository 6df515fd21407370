// Package message defines the envelope exchanged between a caller and a dispatcher.
//
// Envelope is the only wire entity. It is a tagged union serialized as a single
// JSON object per channel message:
//
//	Request    {"id": "...", "name": "add", "args": {...}}          caller → dispatcher
//	Reply      {"type": "reply", "id": "...", "result": ...}        dispatcher → caller
//	ErrorReply {"type": "error", "id": "...", "result": "boom"}     dispatcher → caller
//	Push       {"type": "push", "name": "tick", "args": {...}}      dispatcher → every caller
//
// Requests carry no type tag on the wire.
package message

import (
	"encoding/json"
	"fmt"
)

// Type is the wire tag of an envelope.
type Type string

const (
	TypeRequest Type = ""
	TypeReply   Type = "reply"
	TypeError   Type = "error"
	TypePush    Type = "push"
)

// Kind is the classified shape of a decoded envelope.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindReply
	KindError
	KindPush
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindError:
		return "error"
	case KindPush:
		return "push"
	default:
		return "unknown"
	}
}

var null = json.RawMessage("null")

// Envelope carries one request, reply, error reply or push.
//
//   - Request:    ID, Name and Args are set, Type is empty.
//   - Reply:      ID and Result (any JSON value, possibly null).
//   - ErrorReply: ID and Result (a JSON string holding the error message).
//   - Push:       Name and Args, no ID.
type Envelope struct {
	Type   Type            `json:"type,omitempty"`
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Kind classifies the envelope by its tag. Unrecognized tags yield KindUnknown.
func (e *Envelope) Kind() Kind {
	switch e.Type {
	case TypeRequest:
		return KindRequest
	case TypeReply:
		return KindReply
	case TypeError:
		return KindError
	case TypePush:
		return KindPush
	default:
		return KindUnknown
	}
}

// ErrorText returns the message carried by an error reply. A result that is
// not a JSON string is returned verbatim.
func (e *Envelope) ErrorText() string {
	var text string
	if err := json.Unmarshal(e.Result, &text); err == nil {
		return text
	}
	return string(e.Result)
}

// NewRequest builds a request envelope. Nil args are sent as an empty object.
func NewRequest(id, name string, args any) (*Envelope, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("message: encode args of %q: %w", name, err)
	}
	return &Envelope{ID: id, Name: name, Args: raw}, nil
}

// NewReply builds a success reply. A nil result is sent as JSON null.
func NewReply(id string, result any) (*Envelope, error) {
	raw, err := marshalResult(result)
	if err != nil {
		return nil, fmt.Errorf("message: encode result: %w", err)
	}
	return &Envelope{Type: TypeReply, ID: id, Result: raw}, nil
}

// NewErrorReply builds an error reply carrying only the message text.
func NewErrorReply(id, text string) *Envelope {
	raw, _ := json.Marshal(text)
	return &Envelope{Type: TypeError, ID: id, Result: raw}
}

// NewPush builds a push notification. Nil args are sent as an empty object.
func NewPush(name string, args any) (*Envelope, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("message: encode push %q: %w", name, err)
	}
	return &Envelope{Type: TypePush, Name: name, Args: raw}, nil
}

func marshalArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		return v, nil
	}
	return json.Marshal(args)
}

func marshalResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return null, nil
	case json.RawMessage:
		if len(v) == 0 {
			return null, nil
		}
		return v, nil
	}
	return json.Marshal(result)
}
