// Package types provides shared types, the error taxonomy, and wire-level
// structures for the gateway.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Pool errors
	ErrPoolClosed  = errors.New("context pool is closed")
	ErrPoolTimeout = errors.New("timeout waiting for context from pool")

	// Session errors
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionDestroyed = errors.New("session has been destroyed")
	ErrTooManySessions  = errors.New("maximum number of sessions reached")

	// Scheduler errors
	ErrSchedulerClosed = errors.New("execution scheduler is closed")
	ErrTaskCanceled    = errors.New("task canceled before execution")
)

// Category classifies an error by the subsystem that raised it.
type Category string

// The four closed categories. Codes are only valid within their category.
const (
	CategoryProtocol Category = "protocol"
	CategorySecurity Category = "security"
	CategoryBrowser  Category = "browser"
	CategorySystem   Category = "system"
)

// Code is a stable ASCII identifier for an error condition.
type Code string

// Browser codes.
const (
	CodeTimeout           Code = "TIMEOUT"
	CodeNavigationFailed  Code = "NAVIGATION_FAILED"
	CodeElementNotFound   Code = "ELEMENT_NOT_FOUND"
	CodeEvaluationFailed  Code = "EVALUATION_FAILED"
	CodeContextCrashed    Code = "CONTEXT_CRASHED"
	CodePageCrashed       Code = "PAGE_CRASHED"
	CodeInteractionFailed Code = "INTERACTION_FAILED"
)

// Security codes.
const (
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodePermissionTimeout Code = "PERMISSION_TIMEOUT"
	CodeDomainDenied      Code = "DOMAIN_DENIED"
	CodeUnauthorized      Code = "UNAUTHORIZED"
)

// System codes.
const (
	CodeNetworkError       Code = "NETWORK_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodeOutOfMemory        Code = "OUT_OF_MEMORY"
	CodeDiskFull           Code = "DISK_FULL"
	CodeCircuitOpen        Code = "CIRCUIT_OPEN"
)

// Protocol codes.
const (
	CodeInternalError   Code = "INTERNAL_ERROR"
	CodeInvalidParams   Code = "INVALID_PARAMS"
	CodeMethodNotFound  Code = "METHOD_NOT_FOUND"
	CodeParseError      Code = "PARSE_ERROR"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
)

// errorDefaults maps each code to its recoverable/retryable defaults.
// Recoverable means the recovery engine may attempt a strategy; retryable
// means the client can reasonably resubmit the same request.
var errorDefaults = map[Code]struct{ recoverable, retryable bool }{
	CodeTimeout:           {true, true},
	CodeNavigationFailed:  {true, true},
	CodeElementNotFound:   {true, true},
	CodeEvaluationFailed:  {true, true},
	CodeContextCrashed:    {true, true},
	CodePageCrashed:       {true, true},
	CodeInteractionFailed: {true, true},

	CodeRateLimitExceeded: {true, true},
	CodePermissionTimeout: {true, true},
	CodeDomainDenied:      {false, false},
	CodeUnauthorized:      {false, false},

	CodeNetworkError:       {true, true},
	CodeServiceUnavailable: {true, true},
	CodeResourceExhausted:  {true, true},
	CodeOutOfMemory:        {false, false},
	CodeDiskFull:           {false, false},
	CodeCircuitOpen:        {false, true},

	CodeInternalError:   {true, true},
	CodeInvalidParams:   {false, false},
	CodeMethodNotFound:  {false, false},
	CodeParseError:      {false, false},
	CodeSessionNotFound: {false, false},
}

// Error is the gateway's structured error. Every error surfaced to a client
// or inspected by the recovery engine is one of these.
type Error struct {
	Category    Category       `json:"category"`
	Code        Code           `json:"code"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
	Context     map[string]any `json:"context,omitempty"`
	Recoverable bool           `json:"recoverable"`
	Retryable   bool           `json:"retryable"`
	Err         error          `json:"-"` // underlying cause, for unwrapping
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithContext attaches a key/value pair to the error's context map and
// returns the error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// Data returns the JSON-RPC error data payload for this error.
func (e *Error) Data() map[string]any {
	ctx := e.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return map[string]any{
		"category":    string(e.Category),
		"code":        string(e.Code),
		"message":     e.Message,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339),
		"context":     ctx,
		"recoverable": e.Recoverable,
		"retryable":   e.Retryable,
	}
}

// NewError constructs a structured error with the defaults for its code.
func NewError(category Category, code Code, message string) *Error {
	d := errorDefaults[code]
	return &Error{
		Category:    category,
		Code:        code,
		Message:     message,
		Timestamp:   time.Now().UTC(),
		Recoverable: d.recoverable,
		Retryable:   d.retryable,
	}
}

// BrowserError constructs a browser-category error.
func BrowserError(code Code, message string) *Error {
	return NewError(CategoryBrowser, code, message)
}

// SecurityError constructs a security-category error.
func SecurityError(code Code, message string) *Error {
	return NewError(CategorySecurity, code, message)
}

// SystemError constructs a system-category error.
func SystemError(code Code, message string) *Error {
	return NewError(CategorySystem, code, message)
}

// ProtocolError constructs a protocol-category error.
func ProtocolError(code Code, message string) *Error {
	return NewError(CategoryProtocol, code, message)
}

// AsError converts any error into a structured *Error. Errors that already
// carry the taxonomy pass through unchanged; the lifecycle sentinels map to
// their taxonomy homes, and everything else becomes protocol/INTERNAL_ERROR
// with the original message preserved in context.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}

	switch {
	case errors.Is(err, ErrTooManySessions), errors.Is(err, ErrPoolTimeout):
		return SystemError(CodeResourceExhausted, err.Error()).WithCause(err)
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionDestroyed):
		return ProtocolError(CodeSessionNotFound, err.Error()).WithCause(err)
	case errors.Is(err, ErrPoolClosed), errors.Is(err, ErrSchedulerClosed):
		return SystemError(CodeServiceUnavailable, err.Error()).WithCause(err)
	}

	return ProtocolError(CodeInternalError, "internal error").
		WithContext("cause", err.Error()).
		WithCause(err)
}

// InferBrowserError classifies a raw driver error into the taxonomy.
// The opClass hint decides the fallback code when no pattern matches:
// navigation operations fall back to NAVIGATION_FAILED, everything else to
// INTERACTION_FAILED.
func InferBrowserError(err error, opClass string) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}

	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, ErrSessionDestroyed):
		return BrowserError(CodeContextCrashed, err.Error()).WithCause(err)
	case strings.Contains(msg, "context deadline exceeded"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return BrowserError(CodeTimeout, err.Error()).WithCause(err)
	case strings.Contains(msg, "err_name_not_resolved"),
		strings.Contains(msg, "err_internet_disconnected"),
		strings.Contains(msg, "err_connection_refused"),
		strings.Contains(msg, "enotfound"),
		strings.Contains(msg, "dns"):
		return SystemError(CodeNetworkError, err.Error()).WithCause(err)
	case strings.Contains(msg, "crashed"),
		strings.Contains(msg, "disconnected"),
		strings.Contains(msg, "target closed"),
		strings.Contains(msg, "session closed"):
		return BrowserError(CodeContextCrashed, err.Error()).WithCause(err)
	case strings.Contains(msg, "cannot find element"),
		strings.Contains(msg, "element not found"),
		strings.Contains(msg, "no such element"):
		return BrowserError(CodeElementNotFound, err.Error()).WithCause(err)
	case strings.Contains(msg, "not clickable"),
		strings.Contains(msg, "not visible"),
		strings.Contains(msg, "not interactable"),
		strings.Contains(msg, "covered by another element"):
		return BrowserError(CodeInteractionFailed, err.Error()).WithCause(err)
	case strings.Contains(msg, "eval"),
		strings.Contains(msg, "exception"),
		strings.Contains(msg, "syntaxerror"),
		strings.Contains(msg, "referenceerror"):
		return BrowserError(CodeEvaluationFailed, err.Error()).WithCause(err)
	}

	if strings.HasPrefix(opClass, "navigation") {
		return BrowserError(CodeNavigationFailed, err.Error()).WithCause(err)
	}
	return BrowserError(CodeInteractionFailed, err.Error()).WithCause(err)
}
