package jsonrpc

// Based on JSON-RPC 2.0 Specification: https://www.jsonrpc.org/specification

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the protocol version string required on every message.
const Version = "2.0"

// Request represents a JSON-RPC request object.
// ID and Params stay raw so the dispatcher can decode params per-method and
// echo the id back without caring whether it was a string or a number.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Response represents a JSON-RPC response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a server-to-client message without an id.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Error codes. The -32000..-32099 range is reserved by the JSON-RPC spec for
// implementation-defined server errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeExecutionFailed  = -32000
	CodeAuthRequired     = -32001
	CodeScopeDenied      = -32002
	CodePermissionDenied = -32003
	CodeRateLimited      = -32004
	CodeConcurrencyLimit = -32005
	CodeShuttingDown     = -32006
	CodeExecTimeout      = -32007
)

// NewResult builds a success response echoing the request id.
func NewResult(id json.RawMessage, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: result}
}

// NewError builds an error response echoing the request id.
func NewError(id json.RawMessage, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// normalizeID maps an absent id to explicit JSON null so the "id" field is
// always serialized, as JSON-RPC requires for responses.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// ParseRequest decodes a raw frame into a Request, reporting best-effort
// line/column diagnostics for malformed input.
func ParseRequest(data []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, parseDiagnostics(data, err)
	}
	if req.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC)}
	}
	if req.Method == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "missing method"}
	}
	return &req, nil
}

// parseDiagnostics converts a json decode error into a parse-error object,
// locating the offending byte where the standard library reports an offset.
func parseDiagnostics(data []byte, err error) *Error {
	e := &Error{Code: CodeParseError, Message: "failed to parse message"}
	var offset int64 = -1
	switch typed := err.(type) {
	case *json.SyntaxError:
		offset = typed.Offset
	case *json.UnmarshalTypeError:
		offset = typed.Offset
	}
	detail := map[string]interface{}{"detail": err.Error()}
	if offset >= 0 && offset <= int64(len(data)) {
		line, col := lineColumn(data, offset)
		detail["line"] = line
		detail["column"] = col
	}
	e.Data = detail
	return e
}

func lineColumn(data []byte, offset int64) (line, col int) {
	line, col = 1, 1
	for i := int64(0); i < offset && i < int64(len(data)); i++ {
		if data[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
