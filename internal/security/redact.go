package security

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/browsergate/browsergate/internal/types"
)

// RedactionSentinel replaces every value classified as sensitive.
const RedactionSentinel = "[REDACTED]"

// sensitiveHeaders are matched case-insensitively against header keys.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"x-access-token":      true,
}

// sensitiveKeyPatterns are substring-matched (lowercased) against keys in
// structured bodies and query parameters.
var sensitiveKeyPatterns = []string{
	"password",
	"passwd",
	"token",
	"api_key",
	"apikey",
	"secret",
	"session_id",
	"sessionid",
	"credential",
	"private_key",
	"auth",
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(k, pattern) {
			return true
		}
	}
	return false
}

// RedactHeaders returns a copy of the header map with sensitive values
// replaced by the sentinel. Keys are preserved.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if sensitiveHeaders[strings.ToLower(k)] || isSensitiveKey(k) {
			out[k] = RedactionSentinel
		} else {
			out[k] = v
		}
	}
	return out
}

// RedactBody redacts sensitive values in a body that parses as JSON.
// Structure and non-sensitive keys are preserved; unparseable bodies pass
// through unchanged. Redaction is idempotent.
func RedactBody(body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return body
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return body
	}

	redacted := redactValue(parsed, false)
	out, err := json.Marshal(redacted)
	if err != nil {
		return body
	}
	return string(out)
}

// redactValue walks a decoded JSON value. sensitive marks values whose
// enclosing key matched the sensitive set.
func redactValue(v any, sensitive bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = redactValue(child, isSensitiveKey(k))
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = redactValue(child, sensitive)
		}
		return out
	default:
		if sensitive {
			return RedactionSentinel
		}
		return val
	}
}

// RedactNetworkEntry returns a copy of the entry safe for ring-buffer
// insertion: sensitive headers, body fields, and URL query parameters are
// replaced by the sentinel.
func RedactNetworkEntry(entry types.NetworkEntry) types.NetworkEntry {
	entry.URL = RedactURL(entry.URL)
	entry.RequestHeaders = RedactHeaders(entry.RequestHeaders)
	entry.ResponseHeaders = RedactHeaders(entry.ResponseHeaders)
	entry.RequestBody = RedactBody(entry.RequestBody)
	entry.ResponseBody = RedactBody(entry.ResponseBody)
	return entry
}

// RedactURL removes credentials and sensitive query parameter values from a
// URL for safe logging and storage.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		// If we can't parse it, redact aggressively.
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User(RedactionSentinel)
	}

	if parsed.RawQuery != "" {
		query := parsed.Query()
		changed := false
		for key := range query {
			if isSensitiveKey(key) {
				query[key] = []string{RedactionSentinel}
				changed = true
			}
		}
		if changed {
			parsed.RawQuery = query.Encode()
		}
	}

	return parsed.String()
}
