// Package session owns session lifecycle: each session binds one browser
// context, one page, the recent-activity ring buffers, and the set of
// domains the client approved for it. Sessions are serialized internally,
// one browser operation at a time.
package session

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/browsergate/browsergate/internal/browser"
	"github.com/browsergate/browsergate/internal/ringbuf"
	"github.com/browsergate/browsergate/internal/security"
	"github.com/browsergate/browsergate/internal/types"
)

// Ring capacities. getRecent reads at most 100 entries, the extra headroom
// absorbs bursts between polls.
const (
	consoleRingCap = 250
	networkRingCap = 250
)

// TraceEvent is one step in a session trace recording.
type TraceEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Tool       string    `json:"tool"`
	Params     any       `json:"params,omitempty"`
	DurationMS int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
}

// Session is one client-held browser session.
type Session struct {
	ID        string
	ClientID  string
	CreatedAt time.Time

	pc   *browser.PooledContext
	page *rod.Page

	lastActivity atomic.Int64
	destroyed    atomic.Bool

	// execMu serializes browser operations within the session. Concurrency
	// happens across sessions, never inside one.
	execMu sync.Mutex

	console *ringbuf.Ring[types.ConsoleEntry]
	network *ringbuf.Ring[types.NetworkEntry]

	grantMu sync.RWMutex
	grants  map[string]bool

	traceMu   sync.Mutex
	tracing   bool
	trace     []TraceEvent
	lastTrace []TraceEvent
}

var _ security.SessionGrants = (*Session)(nil)

func newSession(id, clientID string, pc *browser.PooledContext, page *rod.Page) *Session {
	s := &Session{
		ID:        id,
		ClientID:  clientID,
		CreatedAt: time.Now(),
		pc:        pc,
		page:      page,
		console:   ringbuf.New[types.ConsoleEntry](consoleRingCap),
		network:   ringbuf.New[types.NetworkEntry](networkRingCap),
		grants:    make(map[string]bool),
	}
	s.Touch()
	return s
}

// Touch refreshes the idle timestamp. Lock-free.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the session last executed an operation.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Destroyed reports whether the session has been torn down.
func (s *Session) Destroyed() bool {
	return s.destroyed.Load()
}

// Fingerprint returns the browser-context fingerprint the session runs on.
func (s *Session) Fingerprint() browser.Fingerprint {
	return s.pc.Fingerprint()
}

// WithPage runs fn against the session's page, holding the session's
// execution lock so operations within a session never interleave.
func (s *Session) WithPage(fn func(*rod.Page) error) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if s.destroyed.Load() {
		return types.ErrSessionDestroyed
	}
	s.Touch()
	return fn(s.page)
}

// DomainAllowed reports whether the client already approved this domain for
// the session.
func (s *Session) DomainAllowed(domain string) bool {
	s.grantMu.RLock()
	defer s.grantMu.RUnlock()
	return s.grants[strings.ToLower(domain)]
}

// GrantDomain records a client approval. Grants die with the session.
func (s *Session) GrantDomain(domain string) {
	s.grantMu.Lock()
	defer s.grantMu.Unlock()
	s.grants[strings.ToLower(domain)] = true
}

// GrantedDomains lists the session's approved domains.
func (s *Session) GrantedDomains() []string {
	s.grantMu.RLock()
	defer s.grantMu.RUnlock()
	out := make([]string, 0, len(s.grants))
	for d := range s.grants {
		out = append(out, d)
	}
	return out
}

// RecentConsole returns up to n recent console entries, oldest first.
func (s *Session) RecentConsole(n int) []types.ConsoleEntry {
	return s.console.Recent(n)
}

// RecentNetwork returns up to n recent network entries, oldest first.
// Entries were redacted before insertion.
func (s *Session) RecentNetwork(n int) []types.NetworkEntry {
	return s.network.Recent(n)
}

// PushConsole appends a console entry. Exposed for event wiring and tests.
func (s *Session) PushConsole(e types.ConsoleEntry) {
	s.console.Push(e)
}

// PushNetwork redacts and appends a network entry.
func (s *Session) PushNetwork(e types.NetworkEntry) {
	s.network.Push(security.RedactNetworkEntry(e))
}

// StartTrace begins recording tool invocations. Returns false when a trace
// is already running.
func (s *Session) StartTrace() bool {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	if s.tracing {
		return false
	}
	s.tracing = true
	s.trace = nil
	return true
}

// StopTrace ends the recording and returns the captured events. Returns
// false when no trace was running.
func (s *Session) StopTrace() ([]TraceEvent, bool) {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	if !s.tracing {
		return nil, false
	}
	s.tracing = false
	events := s.trace
	s.trace = nil
	s.lastTrace = events
	return events, true
}

// TraceSnapshot returns a copy of the in-flight trace, or the most recently
// completed one when no recording is active. Report generation reads it.
func (s *Session) TraceSnapshot() []TraceEvent {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	src := s.lastTrace
	if s.tracing {
		src = s.trace
	}
	if len(src) == 0 {
		return nil
	}
	out := make([]TraceEvent, len(src))
	copy(out, src)
	return out
}

// Tracing reports whether a trace recording is active.
func (s *Session) Tracing() bool {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	return s.tracing
}

// RecordTraceEvent appends an event to an active trace. No-op otherwise.
func (s *Session) RecordTraceEvent(e TraceEvent) {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	if s.tracing {
		s.trace = append(s.trace, e)
	}
}

// maxCapturedBodyBytes caps request and response bodies kept in the network
// ring. Larger bodies are truncated, not dropped.
const maxCapturedBodyBytes = 64 << 10

// wireEvents subscribes to the page's console and network CDP events and
// feeds the ring buffers. Network entries flush on loading-finished (with the
// response body) or loading-failed; the event loop ends when the page closes.
func (s *Session) wireEvents(notify func(method string, params any)) {
	type pendingEntry struct {
		entry   types.NetworkEntry
		started time.Time
		hasResp bool
	}

	var pmu sync.Mutex
	pending := make(map[proto.NetworkRequestID]*pendingEntry)

	go s.page.EachEvent(
		func(e *proto.RuntimeConsoleAPICalled) {
			entry := types.ConsoleEntry{
				Timestamp: time.Now(),
				Level:     consoleLevel(e.Type),
				Message:   consoleMessage(e.Args),
			}
			if e.StackTrace != nil && len(e.StackTrace.CallFrames) > 0 {
				frame := e.StackTrace.CallFrames[0]
				entry.URL = frame.URL
				entry.Line = frame.LineNumber
				entry.Column = frame.ColumnNumber
			}
			s.PushConsole(entry)
			if notify != nil {
				notify(types.NotifyConsoleLog, map[string]any{
					"sessionId": s.ID,
					"entry":     entry,
				})
			}
		},
		func(e *proto.NetworkRequestWillBeSent) {
			headers := make(map[string]string, len(e.Request.Headers))
			for k, v := range e.Request.Headers {
				headers[k] = v.Str()
			}
			pmu.Lock()
			pending[e.RequestID] = &pendingEntry{
				entry: types.NetworkEntry{
					Timestamp:      time.Now(),
					Method:         e.Request.Method,
					URL:            e.Request.URL,
					RequestHeaders: headers,
					RequestBody:    capBody(e.Request.PostData),
				},
				started: time.Now(),
			}
			pmu.Unlock()
		},
		func(e *proto.NetworkResponseReceived) {
			pmu.Lock()
			p, ok := pending[e.RequestID]
			if ok {
				respHeaders := make(map[string]string, len(e.Response.Headers))
				for k, v := range e.Response.Headers {
					respHeaders[k] = v.Str()
				}
				p.entry.Status = e.Response.Status
				p.entry.ResponseHeaders = respHeaders
				p.hasResp = true
			}
			pmu.Unlock()
		},
		func(e *proto.NetworkLoadingFinished) {
			pmu.Lock()
			p, ok := pending[e.RequestID]
			delete(pending, e.RequestID)
			pmu.Unlock()
			if !ok || !p.hasResp {
				return
			}

			// Body fetch is best-effort; the entry flushes without it on error.
			body, berr := proto.NetworkGetResponseBody{RequestID: e.RequestID}.Call(s.page)
			if berr == nil && !body.Base64Encoded {
				p.entry.ResponseBody = capBody(body.Body)
			}
			p.entry.DurationMS = float64(time.Since(p.started).Microseconds()) / 1000
			s.PushNetwork(p.entry)
		},
		func(e *proto.NetworkLoadingFailed) {
			pmu.Lock()
			p, ok := pending[e.RequestID]
			delete(pending, e.RequestID)
			pmu.Unlock()
			if !ok {
				return
			}
			p.entry.DurationMS = float64(time.Since(p.started).Microseconds()) / 1000
			s.PushNetwork(p.entry)
		},
	)()
}

// capBody truncates a captured body to maxCapturedBodyBytes.
func capBody(body string) string {
	if len(body) > maxCapturedBodyBytes {
		return body[:maxCapturedBodyBytes]
	}
	return body
}

func consoleLevel(t proto.RuntimeConsoleAPICalledType) types.ConsoleLevel {
	switch t {
	case proto.RuntimeConsoleAPICalledTypeWarning:
		return types.ConsoleWarn
	case proto.RuntimeConsoleAPICalledTypeError, proto.RuntimeConsoleAPICalledTypeAssert:
		return types.ConsoleError
	case proto.RuntimeConsoleAPICalledTypeDebug, proto.RuntimeConsoleAPICalledTypeTrace:
		return types.ConsoleDebug
	default:
		return types.ConsoleInfo
	}
}

func consoleMessage(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if a.Value.Val() != nil {
			parts = append(parts, a.Value.String())
		} else if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
