// Package wire defines the BiDi wire envelope: the tagged
// union of Command/Success/ErrorResponse/Event messages exchanged over a
// duplex channel, decoded once at the Transport boundary ("convert at
// the boundary once" rather than passing permissive object shapes up
// the stack).
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/rik9564/browsecraft/internal/bcerr"
)

// MessageType discriminates the wire envelope's "type" field.
type MessageType string

const (
	TypeSuccess MessageType = "success"
	TypeError MessageType = "error"
	TypeEvent MessageType = "event"
)

// Command is an outgoing request envelope. It has no "type" field on the
// wire; only responses and events are tagged.
type Command struct {
	ID uint64 `json:"id"`
	Method string `json:"method"`
	Params map[string]any `json:"params"`
}

// envelope is the shape used to sniff the "type" discriminator before
// decoding into a concrete Success/ErrorResponse/Event.
type envelope struct {
	Type MessageType `json:"type"`
	ID *uint64 `json:"id"`
	Method string `json:"method"`
	Result json.RawMessage `json:"result"`
	Error string `json:"error"`
	Msg string `json:"message"`
	Stack *string `json:"stacktrace"`
	Params json.RawMessage `json:"params"`
}

// Success is a command response carrying a result payload.
type Success struct {
	ID uint64
	Result map[string]any
}

// ErrorResponse is a command response carrying a structured protocol
// error.
type ErrorResponse struct {
	ID uint64
	Error *bcerr.ProtocolError
}

// Event is an asynchronous, unsolicited message; it carries no id.
type Event struct {
	Method string
	Params map[string]any
}

// Decoded is the result of parsing one inbound wire message.
type Decoded struct {
	Success *Success
	Err *ErrorResponse
	Event *Event
}

// Marshal serializes a Command for the wire.
func (c Command) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Decode parses one inbound JSON message into its tagged variant.
// Malformed JSON is reported as an error so the caller can drop it
// silently.
func Decode(raw []byte) (Decoded, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Decoded{}, fmt.Errorf("malformed wire message: %w", err)
	}
	switch env.Type {
	case TypeSuccess:
		if env.ID == nil {
			return Decoded{}, fmt.Errorf("success message missing id")
		}
		var result map[string]any
		if len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, &result); err != nil {
				return Decoded{}, fmt.Errorf("malformed result payload: %w", err)
			}
		}
		return Decoded{Success: &Success{ID: *env.ID, Result: result}}, nil
	case TypeError:
		if env.ID == nil {
			return Decoded{}, fmt.Errorf("error message missing id")
		}
		stack := ""
		if env.Stack != nil {
			stack = *env.Stack
		}
		code := bcerr.ErrorCode(env.Error)
		if !bcerr.ValidErrorCode(code) {
			code = bcerr.CodeUnknownError
		}
		return Decoded{Err: &ErrorResponse{
			ID: *env.ID,
			Error: &bcerr.ProtocolError{
				Code: code,
				Message: env.Msg,
				Stacktrace: stack,
			},
		}}, nil
	case TypeEvent:
		var params map[string]any
		if len(env.Params) > 0 {
			if err := json.Unmarshal(env.Params, &params); err != nil {
				return Decoded{}, fmt.Errorf("malformed event params: %w", err)
			}
		}
		return Decoded{Event: &Event{Method: env.Method, Params: params}}, nil
	default:
		return Decoded{}, fmt.Errorf("unrecognized message type %q", env.Type)
	}
}
