// Package protocol defines the wire representation shared by the HTTP
// transport, the broadcast emitter and remote clients: the push message
// envelope carried over a stream, and the request/response body shapes of the
// Init and Invoke endpoints.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Push message kinds. A stream carries a sequence of discrete messages, each
// tagged with exactly one of these.
const (
	KindFieldChange = "field-change"
	KindEvent       = "event"
)

// SessionKey is the reserved key in the Init response body that carries the
// session ID. Object names beginning with '$' are rejected at registration so
// the key can never collide with an object snapshot.
const SessionKey = "$session"

// PushMessage is one server-to-client message. Value holds the encoded field
// value or event argument payload; Empty is the explicit no-value marker used
// when an event carries no arguments.
type PushMessage struct {
	Kind   string          `json:"kind"`
	Object string          `json:"object"`
	Name   string          `json:"name"`
	Value  json.RawMessage `json:"value,omitempty"`
	Empty  bool            `json:"empty,omitempty"`
}

// EncodeFieldChange encodes a field-change push message once, so the same
// bytes can be written to every eligible stream.
func EncodeFieldChange(object, field string, value any) ([]byte, error) {
	return encodePush(KindFieldChange, object, field, value)
}

// EncodeEvent encodes an event push message once for fan-out.
func EncodeEvent(object, event string, args any) ([]byte, error) {
	return encodePush(KindEvent, object, event, args)
}

func encodePush(kind, object, name string, value any) ([]byte, error) {
	msg := PushMessage{Kind: kind, Object: object, Name: name}
	if value == nil {
		msg.Empty = true
	} else {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload for %s.%s: %w", kind, object, name, err)
		}
		msg.Value = raw
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope for %s.%s: %w", kind, object, name, err)
	}
	return b, nil
}

// InvokeResult is the body of a successful Invoke response. Empty marks the
// deliberate no-result cases: unknown operation names, operations returning
// nothing, and operation failures that were absorbed at the boundary.
type InvokeResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	Empty  bool            `json:"empty,omitempty"`
}

// NewInvokeResult encodes an operation's return value. A nil value produces
// the empty result.
func NewInvokeResult(value any) (InvokeResult, error) {
	if value == nil {
		return InvokeResult{Empty: true}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("encode invoke result: %w", err)
	}
	return InvokeResult{Result: raw}, nil
}

// EmptyInvokeResult is the canonical no-result response body.
func EmptyInvokeResult() InvokeResult { return InvokeResult{Empty: true} }

// DecodeArgs parses an Invoke request body into the ordered argument list. An
// empty body is the empty list; anything else must be a JSON array.
func DecodeArgs(body []byte) ([]json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON array: %w", err)
	}
	return args, nil
}
