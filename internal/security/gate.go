package security

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/browsergate/browsergate/internal/types"
)

// PermissionState is the lifecycle state of a permission request.
type PermissionState string

const (
	PermissionPending PermissionState = "pending"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// PermissionRequest is a pending interactive prompt for domain access.
type PermissionRequest struct {
	ID        string          `json:"id"`
	Domain    string          `json:"domain"`
	SessionID string          `json:"sessionId"`
	State     PermissionState `json:"state"`
	CreatedAt time.Time       `json:"createdAt"`
	Deadline  time.Time       `json:"deadline"`

	resolved chan bool // closed-over result channel, buffered
}

// SessionGrants is the per-session view the gate needs: the domains the
// session was configured with plus the ones the user approved at runtime.
type SessionGrants interface {
	DomainAllowed(domain string) bool
	GrantDomain(domain string)
}

// Notifier delivers server notifications to the controlling transport.
type Notifier interface {
	Notify(method string, params any)
}

// GateConfig configures the domain gate.
type GateConfig struct {
	// AllowedDomains is the process-wide allowlist.
	AllowedDomains []string

	// AutoApproveLocalhost grants loopback domains without prompting.
	AutoApproveLocalhost bool

	// PermissionTimeout is how long a prompt stays pending before it is
	// auto-denied.
	PermissionTimeout time.Duration
}

// Gate decides whether a session may touch a domain. Known domains resolve
// immediately; unknown ones raise a permission.requested notification and
// block the calling request (only) until resolution or deadline.
type Gate struct {
	mu      sync.Mutex
	allowed map[string]bool
	pending map[string]*PermissionRequest

	autoApproveLocalhost bool
	permissionTimeout    time.Duration
	notifier             Notifier
}

// NewGate creates a domain gate.
func NewGate(cfg GateConfig, notifier Notifier) *Gate {
	g := &Gate{
		allowed:              make(map[string]bool, len(cfg.AllowedDomains)),
		pending:              make(map[string]*PermissionRequest),
		autoApproveLocalhost: cfg.AutoApproveLocalhost,
		permissionTimeout:    cfg.PermissionTimeout,
		notifier:             notifier,
	}
	if g.permissionTimeout <= 0 {
		g.permissionTimeout = 30 * time.Second
	}
	for _, d := range cfg.AllowedDomains {
		g.allowed[strings.ToLower(d)] = true
	}
	return g
}

// SetAllowedDomains replaces the process-wide allowlist. Used by config
// hot-reload; pending prompts are unaffected.
func (g *Gate) SetAllowedDomains(domains []string) {
	next := make(map[string]bool, len(domains))
	for _, d := range domains {
		next[strings.ToLower(d)] = true
	}

	g.mu.Lock()
	g.allowed = next
	g.mu.Unlock()

	log.Info().Int("count", len(domains)).Msg("Process allowlist updated")
}

// CheckDomainAccess reports whether the session may access the domain,
// prompting the user when the answer is not already known. Granted domains
// are cached on the session. The returned error is security/DOMAIN_DENIED
// or security/PERMISSION_TIMEOUT when access is refused.
func (g *Gate) CheckDomainAccess(ctx context.Context, domain, sessionID string, grants SessionGrants) (bool, error) {
	d := strings.ToLower(strings.TrimSpace(domain))

	g.mu.Lock()
	processAllowed := g.allowed[d]
	g.mu.Unlock()

	if processAllowed || (grants != nil && grants.DomainAllowed(d)) {
		return true, nil
	}

	if g.autoApproveLocalhost && IsLoopback(d) {
		if grants != nil {
			grants.GrantDomain(d)
		}
		return true, nil
	}

	granted, timedOut, err := g.prompt(ctx, d, sessionID)
	if err != nil {
		return false, err
	}
	if timedOut {
		return false, types.SecurityError(types.CodePermissionTimeout,
			"permission request timed out for "+d).
			WithContext("domain", d).
			WithContext("sessionId", sessionID)
	}
	if !granted {
		return false, types.SecurityError(types.CodeDomainDenied,
			"access to "+d+" was denied").
			WithContext("domain", d).
			WithContext("sessionId", sessionID)
	}

	if grants != nil {
		grants.GrantDomain(d)
	}
	return true, nil
}

// prompt raises a permission request and waits for its resolution. The wait
// is per-request; no gate-wide lock is held while blocked.
func (g *Gate) prompt(ctx context.Context, domain, sessionID string) (granted, timedOut bool, err error) {
	req := &PermissionRequest{
		ID:        uuid.NewString(),
		Domain:    domain,
		SessionID: sessionID,
		State:     PermissionPending,
		CreatedAt: time.Now(),
		Deadline:  time.Now().Add(g.permissionTimeout),
		resolved:  make(chan bool, 1),
	}

	g.mu.Lock()
	g.pending[req.ID] = req
	g.mu.Unlock()

	log.Info().
		Str("request_id", req.ID).
		Str("domain", domain).
		Str("session_id", sessionID).
		Msg("Permission requested")

	if g.notifier != nil {
		g.notifier.Notify(types.NotifyPermissionRequested, map[string]any{
			"id":        req.ID,
			"domain":    req.Domain,
			"sessionId": req.SessionID,
			"deadline":  req.Deadline.UTC().Format(time.RFC3339),
		})
	}

	timer := time.NewTimer(g.permissionTimeout)
	defer timer.Stop()

	select {
	case granted := <-req.resolved:
		return granted, false, nil
	case <-timer.C:
		g.expire(req.ID)
		return false, true, nil
	case <-ctx.Done():
		g.expire(req.ID)
		return false, false, ctx.Err()
	}
}

// Resolve grants or denies a pending permission request. Returns false when
// the request is unknown or already resolved.
func (g *Gate) Resolve(requestID string, granted bool) bool {
	g.mu.Lock()
	req, exists := g.pending[requestID]
	if exists {
		delete(g.pending, requestID)
		if granted {
			req.State = PermissionGranted
		} else {
			req.State = PermissionDenied
		}
	}
	g.mu.Unlock()

	if !exists {
		return false
	}

	req.resolved <- granted
	log.Info().
		Str("request_id", requestID).
		Str("domain", req.Domain).
		Bool("granted", granted).
		Msg("Permission resolved")
	return true
}

// expire transitions a request to denied after deadline or cancellation.
func (g *Gate) expire(requestID string) {
	g.mu.Lock()
	req, exists := g.pending[requestID]
	if exists {
		delete(g.pending, requestID)
		req.State = PermissionDenied
	}
	g.mu.Unlock()

	if exists {
		log.Debug().
			Str("request_id", requestID).
			Str("domain", req.Domain).
			Msg("Permission request expired")
	}
}

// Pending returns a snapshot of outstanding permission requests.
func (g *Gate) Pending() []PermissionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]PermissionRequest, 0, len(g.pending))
	for _, req := range g.pending {
		out = append(out, *req)
	}
	return out
}
