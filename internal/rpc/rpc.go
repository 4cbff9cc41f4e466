// Package rpc implements the JSON-RPC 2.0 envelope used by the MCP wire
// protocol: request/response types, the codec, and the error-code
// taxonomy.
package rpc

import "encoding/json"

// Standard and application-range JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeApplicationRangeStart/End bound the application-defined range
	// reserved for tool and transport errors.
	CodeApplicationRangeStart = -32099
	CodeApplicationRangeEnd   = -32000
)

const Version = "2.0"

// Request is a parsed JSON-RPC request. A nil ID marks a notification.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id (no response is
// expected or permitted).
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC response. Exactly one of Result/Error is set.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// nullID is used for error responses where the offending request's id could
// not be determined (e.g. the body wasn't valid JSON at all).
var nullID = json.RawMessage("null")

// Parse decodes a single JSON-RPC request. A malformed body or an object
// missing a jsonrpc/method of the right shape is reported through the
// returned *Response (code -32700 or -32600) rather than a Go error, so
// callers can write it straight back to the client.
func Parse(body []byte) (*Request, *Response) {
	if len(body) == 0 {
		return nil, ErrorResponse(nullID, CodeInvalidRequest, "empty request body", nil)
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, ErrorResponse(nullID, CodeParseError, "parse error", nil)
	}
	if req.Jsonrpc != Version {
		return nil, ErrorResponse(idOrNull(req.ID), CodeInvalidRequest, "invalid jsonrpc version", nil)
	}
	if req.Method == "" {
		return nil, ErrorResponse(idOrNull(req.ID), CodeInvalidRequest, "missing method", nil)
	}
	if len(req.ID) > 0 && !validID(req.ID) {
		return nil, ErrorResponse(nullID, CodeInvalidRequest, "invalid id type", nil)
	}
	return &req, nil
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// validID reports whether raw decodes as a JSON-RPC-legal id: string,
// number, or null.
func validID(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch v.(type) {
	case string, float64, nil:
		return true
	default:
		return false
	}
}

// Success builds a successful response envelope.
func Success(id json.RawMessage, result any) *Response {
	return &Response{Jsonrpc: Version, ID: idOrNull(id), Result: result}
}

// ErrorResponse builds an error response envelope.
func ErrorResponse(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		Jsonrpc: Version,
		ID:      idOrNull(id),
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// Marshal encodes a response; part of the codec round-trip contract (P6).
func Marshal(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// Unmarshal decodes a previously-marshaled response, for round-trip tests
// and for decoding responses read back off the wire.
func Unmarshal(b []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
