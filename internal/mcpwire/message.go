// Package mcpwire holds the JSON-RPC message model shared by the stdio side
// and the upstream side of the bridge.
package mcpwire

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
)

// Protocol identity announced to the local peer and to the upstream.
const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "toolgate"
	ServerVersion   = "1.0.0"
)

// Error codes emitted by the bridge itself.
const (
	// CodeToolNotAllowed rejects a tools/call for a tool outside the allow-list.
	CodeToolNotAllowed = mcp.METHOD_NOT_FOUND
	// CodeInternal reports a failure while handling a message.
	CodeInternal = mcp.INTERNAL_ERROR
)

// Message is a JSON-RPC 2.0 request, notification or response. The id is
// kept as raw JSON so string and numeric ids round-trip unchanged.
type Message struct {
	JSONRPC string                   `json:"jsonrpc"`
	ID      json.RawMessage          `json:"id,omitempty"`
	Method  string                   `json:"method,omitempty"`
	Params  json.RawMessage          `json:"params,omitempty"`
	Result  json.RawMessage          `json:"result,omitempty"`
	Error   *mcp.JSONRPCErrorDetails `json:"error,omitempty"`
}

var errNotObject = errors.New("message is not a JSON object")

// Parse decodes a single line into a Message.
func Parse(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, errNotObject
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// IDOrNull returns the raw id, or JSON null when the message has none.
func (m *Message) IDOrNull() json.RawMessage {
	if len(m.ID) == 0 {
		return json.RawMessage("null")
	}
	return m.ID
}

// WithID returns a shallow copy of m carrying id.
func (m *Message) WithID(id json.RawMessage) *Message {
	c := *m
	c.ID = id
	return &c
}

// NewRequest builds a request. params may be nil.
func NewRequest(id json.RawMessage, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification. params may be nil.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: mcp.JSONRPC_VERSION, Method: method, Params: raw}, nil
}

// NewResult builds a success response.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Result: raw}, nil
}

// NewError builds an error response.
func NewError(id json.RawMessage, code int, message string) *Message {
	return &Message{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error:   &mcp.JSONRPCErrorDetails{Code: code, Message: message},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// InitializeResult is the fixed handshake reply given to the local peer.
func InitializeResult() mcp.InitializeResult {
	var res mcp.InitializeResult
	res.ProtocolVersion = ProtocolVersion
	res.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged,omitempty"`
	}{}
	res.ServerInfo = mcp.Implementation{Name: ServerName, Version: ServerVersion}
	return res
}
