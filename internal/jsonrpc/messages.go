package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// InitializeMethod is the method name that starts a new session. The gateway
// classifies on it but never interprets its params.
const InitializeMethod = "initialize"

// Message is a decoded JSON-RPC message: request, notification, or response.
// The gateway only needs enough structure to classify and route; payload
// semantics belong to the bound session handler.
type Message struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// UnmarshalJSON enforces JSON-RPC 2.0 framing: a version marker, and either a
// method (request/notification) or exactly one of result/error (response).
func (m *Message) UnmarshalJSON(data []byte) error {
	type raw Message
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if r.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, r.JSONRPCVersion)
	}

	hasMethod := r.Method != ""
	hasResult := len(r.Result) > 0
	hasError := r.Error != nil
	switch {
	case hasMethod && (hasResult || hasError):
		return fmt.Errorf("request message cannot carry result or error")
	case !hasMethod && hasResult && hasError:
		return fmt.Errorf("response message cannot carry both result and error")
	case !hasMethod && !hasResult && !hasError:
		return fmt.Errorf("message must carry a method, result, or error")
	}

	*m = Message(r)
	return nil
}

// IsRequest reports whether the message is a request expecting a response.
func (m *Message) IsRequest() bool { return m.Method != "" && !m.ID.IsNil() }

// IsNotification reports whether the message is a fire-and-forget request.
func (m *Message) IsNotification() bool { return m.Method != "" && m.ID.IsNil() }

// IsInitialize reports whether the message is a session-start call.
func (m *Message) IsInitialize() bool { return m.Method == InitializeMethod && m.IsRequest() }

// Response is a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// NewResultResponse builds a successful response for the given request id.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response. A nil id serializes as null, the
// form required for failures that occur before a request id is known.
func NewErrorResponse(id *RequestID, code ErrorCode, message string) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message},
		ID:             id,
	}
}
