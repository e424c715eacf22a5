package relay

import (
	"encoding/json"
	"fmt"
)

// MaxFrameBytes bounds a single WebSocket text frame. Anything larger is a
// protocol violation rather than a legitimate CDP command: the largest
// payloads (screenshots, DOM snapshots) are returned as base64 results from
// the extension, not sent inbound from a client.
const MaxFrameBytes = 32 * 1024 * 1024

// Error is a CDP-shaped error object, carried on Envelope.Error.
type Error struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Envelope is the wire shape every CDP text frame takes: a command when
// both ID and Method are set, a response when ID is set without Method,
// and a notification when Method is set without ID.
// Params and Result are kept as raw JSON rather than decoded into Go
// structs: the relay is a transport, not an implementer of CDP semantics,
// so it never needs to understand a domain's argument shape, only pass it
// through byte-for-byte.
type Envelope struct {
	ID        int             `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// IsCommand reports whether the envelope is a request, as opposed to a
// bare notification.
func (e *Envelope) IsCommand() bool { return e.ID != 0 && e.Method != "" }

// IsResponse reports whether the envelope is a response to a previously
// issued command (an ID with no Method).
func (e *Envelope) IsResponse() bool { return e.ID != 0 && e.Method == "" }

// IsEvent reports whether the envelope is a notification (a Method with no
// ID).
func (e *Envelope) IsEvent() bool { return e.ID == 0 && e.Method != "" }

// ProtocolError is returned by DecodeEnvelope when a frame is malformed
// badly enough to warrant closing the connection rather than answering
// with a CDP-level error.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return e.Reason }

// DecodeEnvelope parses and validates one CDP text frame: oversized
// frames, invalid JSON, and a command (id+method present) sent without
// a params key are all ProtocolErrors; everything else is passed
// through unexamined.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	if len(frame) > MaxFrameBytes {
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame exceeds %d bytes", MaxFrameBytes)}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON: " + err.Error()}
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &ProtocolError{Reason: "invalid envelope: " + err.Error()}
	}

	if _, hasID := raw["id"]; hasID {
		if _, hasMethod := raw["method"]; hasMethod {
			if _, hasParams := raw["params"]; !hasParams {
				return nil, &ProtocolError{Reason: "command envelope missing params keyword"}
			}
		}
	}

	return &env, nil
}

// EncodeEnvelope serializes an envelope back to a wire frame.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// newResult builds a successful response envelope for id, marshaling
// result into Envelope.Result.
func newResult(id int, sessionID string, result any) (*Envelope, error) {
	raw, err := marshalRaw(result)
	if err != nil {
		return nil, err
	}
	return &Envelope{ID: id, SessionID: sessionID, Result: raw}, nil
}

// newError builds a failed response envelope for id.
func newError(id int, sessionID string, code int, message string) *Envelope {
	return &Envelope{ID: id, SessionID: sessionID, Error: &Error{Code: code, Message: message}}
}

// newEvent builds a notification envelope for a client-visible session.
func newEvent(method, sessionID string, params any) (*Envelope, error) {
	raw, err := marshalRaw(params)
	if err != nil {
		return nil, err
	}
	return &Envelope{Method: method, SessionID: sessionID, Params: raw}, nil
}

func marshalRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
