// Package jsonrpc reads and builds the JSON-RPC 2.0 envelope that MCP
// records carry alongside their stream metadata.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// MessageType represents the type of JSON-RPC message
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Short returns a three letter label for tables.
func (t MessageType) Short() string {
	switch t {
	case MessageTypeRequest:
		return "REQ"
	case MessageTypeResponse:
		return "RES"
	case MessageTypeNotification:
		return "NOT"
	case MessageTypeError:
		return "ERR"
	default:
		return "-"
	}
}

// ErrNotJSONRPC is returned for objects without a "jsonrpc":"2.0" member.
var ErrNotJSONRPC = errors.New("not a JSON-RPC 2.0 message")

// ErrorInfo contains details about JSON-RPC errors
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Message is the classified envelope of one record.
type Message struct {
	Type   MessageType
	Method string
	// ID is the raw request id; nil for notifications.
	ID    json.RawMessage
	Error *ErrorInfo
}

// IsRequest returns true if this is a request message
func (m *Message) IsRequest() bool {
	return m.Type == MessageTypeRequest
}

// IsError returns true if this is an error message
func (m *Message) IsError() bool {
	return m.Type == MessageTypeError
}

// Classify reads the envelope of raw. Objects that do not declare
// "jsonrpc":"2.0" yield ErrNotJSONRPC.
func Classify(raw []byte) (*Message, error) {
	var base struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method,omitempty"`
		ID      json.RawMessage `json:"id,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *ErrorInfo      `json:"error,omitempty"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC message: %w", err)
	}
	if base.JSONRPC == "" {
		return nil, ErrNotJSONRPC
	}
	if base.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported JSON-RPC version: %s", base.JSONRPC)
	}

	msg := &Message{Method: base.Method}
	if len(base.ID) > 0 && string(base.ID) != "null" {
		msg.ID = base.ID
	}

	// Stream records repeat the request method on responses, so result and
	// error take precedence over method.
	switch {
	case base.Error != nil:
		msg.Type = MessageTypeError
		msg.Error = base.Error
	case base.Result != nil:
		msg.Type = MessageTypeResponse
	case base.Method != "" && msg.ID != nil:
		msg.Type = MessageTypeRequest
	case base.Method != "":
		msg.Type = MessageTypeNotification
	case msg.ID != nil:
		msg.Type = MessageTypeResponse
	default:
		return nil, errors.New("cannot determine JSON-RPC message type")
	}
	return msg, nil
}

// Request returns the envelope members of a request.
func Request(id any, method string, params any) map[string]any {
	m := map[string]any{"jsonrpc": Version, "id": id, "method": method}
	if params != nil {
		m["params"] = params
	}
	return m
}

// Notification returns the envelope members of a notification.
func Notification(method string, params any) map[string]any {
	m := map[string]any{"jsonrpc": Version, "method": method}
	if params != nil {
		m["params"] = params
	}
	return m
}

// Response returns the envelope members of a successful response.
func Response(id any, result any) map[string]any {
	return map[string]any{"jsonrpc": Version, "id": id, "result": result}
}

// ErrorResponse returns the envelope members of an error response.
func ErrorResponse(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": Version,
		"id":      id,
		"error":   &ErrorInfo{Code: code, Message: message},
	}
}
