package types

import (
	"errors"
	"testing"
)

func TestAsErrorPassesThroughTyped(t *testing.T) {
	orig := BrowserError(CodeTimeout, "navigation timed out")
	if got := AsError(orig); got != orig {
		t.Errorf("typed error should pass through unchanged, got %+v", got)
	}
}

func TestAsErrorMapsSentinels(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  Category
		code      Code
		retryable bool
	}{
		{"session cap", ErrTooManySessions, CategorySystem, CodeResourceExhausted, true},
		{"pool wait", ErrPoolTimeout, CategorySystem, CodeResourceExhausted, true},
		{"lookup miss", ErrSessionNotFound, CategoryProtocol, CodeSessionNotFound, false},
		{"destroyed", ErrSessionDestroyed, CategoryProtocol, CodeSessionNotFound, false},
		{"pool closed", ErrPoolClosed, CategorySystem, CodeServiceUnavailable, true},
		{"scheduler closed", ErrSchedulerClosed, CategorySystem, CodeServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ge := AsError(tt.err)
			if ge.Category != tt.category || ge.Code != tt.code {
				t.Errorf("got %s/%s, want %s/%s", ge.Category, ge.Code, tt.category, tt.code)
			}
			if ge.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", ge.Retryable, tt.retryable)
			}
			if !errors.Is(ge, tt.err) {
				t.Error("mapped error must unwrap to the sentinel")
			}
		})
	}
}

func TestAsErrorUnknownBecomesInternal(t *testing.T) {
	ge := AsError(errors.New("boom"))
	if ge.Category != CategoryProtocol || ge.Code != CodeInternalError {
		t.Errorf("got %s/%s, want protocol/INTERNAL_ERROR", ge.Category, ge.Code)
	}
	if ge.Context["cause"] != "boom" {
		t.Errorf("context = %v, original message should be preserved", ge.Context)
	}
}

func TestErrorDataIncludesMessage(t *testing.T) {
	data := BrowserError(CodeTimeout, "navigation timed out").Data()
	if data["message"] != "navigation timed out" {
		t.Errorf("message = %v", data["message"])
	}
	if data["code"] != "TIMEOUT" || data["category"] != "browser" {
		t.Errorf("data = %v", data)
	}
}
