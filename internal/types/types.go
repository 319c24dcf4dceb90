package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned by Parse for payloads that are not bridge messages
var ErrMalformed = errors.New("malformed bridge message")

// MessageType is the discriminant of a bridge message
type MessageType string

const (
	TypeInvocation MessageType = "reactNativeFunctionInvocation"
	TypeResponse   MessageType = "functionResponse"
	TypeRejection  MessageType = "functionRejection"
)

// Known reports whether t is one of the three wire tags
func (t MessageType) Known() bool {
	switch t {
	case TypeInvocation, TypeResponse, TypeRejection:
		return true
	}
	return false
}

// Message represents a message exchanged between the host and
// the embedded context
type Message struct {
	Type         MessageType `json:"type"`
	InvocationID string      `json:"invocationId"`
	Name         string      `json:"name,omitempty"`
	Data         any         `json:"data,omitempty"`
}

// Parse decodes and validates a raw message posted by the embedded context
func Parse(raw []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !msg.Type.Known() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}

	if msg.InvocationID == "" {
		return nil, fmt.Errorf("%w: missing invocationId", ErrMalformed)
	}

	if msg.Type == TypeInvocation && msg.Name == "" {
		return nil, fmt.Errorf("%w: invocation without name", ErrMalformed)
	}

	return msg, nil
}
