package types

import (
	"encoding/json"
	"time"
)

// JSON-RPC 2.0 error codes used on the low-level envelope.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
)

// Notification method names (server -> client, no id).
const (
	NotifyToolRegistered      = "tool.registered"
	NotifyToolUnregistered    = "tool.unregistered"
	NotifyConsoleLog          = "console.log"
	NotifyPermissionRequested = "permission.requested"
)

// Request is a decoded JSON-RPC 2.0 request or notification.
// A nil ID marks a client notification (no response expected).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error envelope. Data carries the structured
// gateway error (category, code, timestamp, context, recoverable, retryable).
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification is a server -> client JSON-RPC notification.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewResponse builds a success response for the given request id.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// NewNotification builds a server notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: "2.0", Method: method, Params: params}
}

// ToolResult is the uniform result object returned by every tool call.
// Failed tool calls still produce a JSON-RPC result (not a JSON-RPC error);
// only malformed requests use the low-level error envelope.
type ToolResult struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   map[string]any `json:"error,omitempty"`

	// Scheduling observability.
	QueueWaitMS int64 `json:"queueWaitMs"`
	ExecMS      int64 `json:"executionMs"`

	// Recovery observability, present when the recovery engine ran.
	Recovered bool   `json:"recovered,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

// ConsoleLevel is the severity of a console ring-buffer entry.
type ConsoleLevel string

const (
	ConsoleInfo  ConsoleLevel = "info"
	ConsoleWarn  ConsoleLevel = "warn"
	ConsoleError ConsoleLevel = "error"
	ConsoleDebug ConsoleLevel = "debug"
)

// ConsoleEntry is one recent console event observed on a session's page.
type ConsoleEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	Level     ConsoleLevel `json:"level"`
	Message   string       `json:"message"`
	URL       string       `json:"url,omitempty"`
	Line      int          `json:"line,omitempty"`
	Column    int          `json:"column,omitempty"`
}

// NetworkEntry is one recent network exchange observed on a session's page.
// Headers and bodies are redacted before insertion into the ring buffer.
type NetworkEntry struct {
	Timestamp       time.Time         `json:"timestamp"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Status          int               `json:"status"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	DurationMS      float64           `json:"durationMs"`
}
