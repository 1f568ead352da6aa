// Package security provides the gateway's security gate: request validation,
// domain access control with interactive permission prompts, per-client rate
// limiting, and sensitive-data redaction.
package security

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Session option bounds.
const (
	MinViewportWidth  = 100
	MinViewportHeight = 100
	MaxViewportWidth  = 3840
	MaxViewportHeight = 2160

	MaxUserAgentLength = 500

	MinOperationTimeout = 1 * time.Second
	MaxOperationTimeout = 300 * time.Second
)

// validDomainPattern matches label.tld style domains: one or more dot
// separated labels ending in an alphabetic TLD. "localhost" is accepted
// separately.
var validDomainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// loopbackDomains are auto-approved when the configuration permits.
var loopbackDomains = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"[::1]":     true,
}

// IsLoopback reports whether the domain is a loopback address.
func IsLoopback(domain string) bool {
	return loopbackDomains[strings.ToLower(domain)]
}

// ValidateDomain checks a single domain string.
func ValidateDomain(domain string) error {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		return fmt.Errorf("domain is empty")
	}
	if IsLoopback(d) {
		return nil
	}
	if len(d) > 253 {
		return fmt.Errorf("domain %q too long", domain)
	}
	if !validDomainPattern.MatchString(d) {
		return fmt.Errorf("domain %q is not a valid hostname", domain)
	}
	return nil
}

// ValidateViewport checks viewport dimensions against the supported range.
func ValidateViewport(width, height int) error {
	if width < MinViewportWidth || width > MaxViewportWidth {
		return fmt.Errorf("viewport width %d outside [%d, %d]", width, MinViewportWidth, MaxViewportWidth)
	}
	if height < MinViewportHeight || height > MaxViewportHeight {
		return fmt.Errorf("viewport height %d outside [%d, %d]", height, MinViewportHeight, MaxViewportHeight)
	}
	return nil
}

// ValidateUserAgent checks the user-agent string length and content.
func ValidateUserAgent(ua string) error {
	if len(ua) > MaxUserAgentLength {
		return fmt.Errorf("user agent exceeds %d characters", MaxUserAgentLength)
	}
	if strings.ContainsAny(ua, "\r\n") {
		return fmt.Errorf("user agent contains line breaks")
	}
	return nil
}

// ValidateTimeout checks an operation timeout against the supported range.
func ValidateTimeout(d time.Duration) error {
	if d < MinOperationTimeout || d > MaxOperationTimeout {
		return fmt.Errorf("timeout %s outside [%s, %s]", d, MinOperationTimeout, MaxOperationTimeout)
	}
	return nil
}

// ValidateDomains checks a list of domains, returning the first failure.
func ValidateDomains(domains []string) error {
	for _, d := range domains {
		if err := ValidateDomain(d); err != nil {
			return err
		}
	}
	return nil
}
