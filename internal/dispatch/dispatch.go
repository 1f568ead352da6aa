// Package dispatch routes decoded JSON-RPC requests to tools. It owns the
// tool registry and the pre-flight chain (rate limit, session lookup, domain
// check), then hands execution to the scheduler wrapped in the circuit
// breaker and the recovery engine.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browsergate/browsergate/internal/breaker"
	"github.com/browsergate/browsergate/internal/metrics"
	"github.com/browsergate/browsergate/internal/recovery"
	"github.com/browsergate/browsergate/internal/scheduler"
	"github.com/browsergate/browsergate/internal/security"
	"github.com/browsergate/browsergate/internal/session"
	"github.com/browsergate/browsergate/internal/types"
)

// Invocation is everything a tool handler receives.
type Invocation struct {
	ClientID  string
	SessionID string
	Session   *session.Session
	Params    json.RawMessage
}

// Handler executes a tool. The returned value becomes the result's data.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// Tool is one dispatchable capability: a name, a schema, and a handler.
type Tool struct {
	Name          string
	Description   string
	Schema        Schema
	OpClass       string
	SessionScoped bool
	URLParam      string // name of the URL-bearing parameter, if any
	Priority      int
	Recordable    bool // macro recorder observes successful calls
	Handler       Handler
}

// Recorder observes successful recordable tool calls. The macro subsystem
// implements it.
type Recorder interface {
	Observe(sessionID, tool string, params json.RawMessage)
}

// Broadcaster fans a notification out to every connected client.
type Broadcaster interface {
	Broadcast(method string, params any)
}

// Dispatcher routes requests to registered tools.
type Dispatcher struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	sessions *session.Manager
	gate     *security.Gate
	limiter  *security.Limiter
	breakers *breaker.Registry
	engine   *recovery.Engine
	sched    *scheduler.Scheduler
	hub      Broadcaster
	recorder Recorder
}

// Deps collects the dispatcher's collaborators.
type Deps struct {
	Sessions *session.Manager
	Gate     *security.Gate
	Limiter  *security.Limiter
	Breakers *breaker.Registry
	Engine   *recovery.Engine
	Sched    *scheduler.Scheduler
	Hub      Broadcaster
	Recorder Recorder
}

// New builds an empty dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		tools:    make(map[string]*Tool),
		sessions: deps.Sessions,
		gate:     deps.Gate,
		limiter:  deps.Limiter,
		breakers: deps.Breakers,
		engine:   deps.Engine,
		sched:    deps.Sched,
		hub:      deps.Hub,
		recorder: deps.Recorder,
	}
}

// Register adds a tool and announces it to connected clients.
func (d *Dispatcher) Register(t *Tool) {
	d.mu.Lock()
	d.tools[t.Name] = t
	d.mu.Unlock()

	if d.hub != nil {
		d.hub.Broadcast(types.NotifyToolRegistered, map[string]any{"name": t.Name})
	}
	log.Debug().Str("tool", t.Name).Str("op_class", t.OpClass).Msg("Tool registered")
}

// Unregister removes a tool and announces the removal.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	_, existed := d.tools[name]
	delete(d.tools, name)
	d.mu.Unlock()

	if existed && d.hub != nil {
		d.hub.Broadcast(types.NotifyToolUnregistered, map[string]any{"name": name})
	}
}

// Tools returns the registered tool descriptors, sorted by name.
func (d *Dispatcher) Tools() []map[string]any {
	d.mu.RLock()
	list := make([]*Tool, 0, len(d.tools))
	for _, t := range d.tools {
		list = append(list, t)
	}
	d.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	out := make([]map[string]any, len(list))
	for i, t := range list {
		out[i] = map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"schema":      t.Schema,
		}
	}
	return out
}

// Dispatch handles one decoded request for a client. Returns nil for client
// notifications (no id).
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string, req *types.Request) *types.Response {
	resp := d.dispatch(ctx, clientID, req)
	if len(req.ID) == 0 {
		return nil
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, clientID string, req *types.Request) *types.Response {
	if req.JSONRPC != "2.0" {
		return d.rpcError(req, types.RPCInvalidRequest, "unsupported jsonrpc version", nil)
	}

	switch req.Method {
	case "tools/list":
		return types.NewResponse(req.ID, map[string]any{"tools": d.Tools()})
	case "permission.resolve":
		return d.resolvePermission(req)
	}

	d.mu.RLock()
	tool, ok := d.tools[req.Method]
	d.mu.RUnlock()
	if !ok {
		perr := types.ProtocolError(types.CodeMethodNotFound, "unknown method "+req.Method)
		return d.rpcError(req, types.RPCMethodNotFound, perr.Message, perr.Data())
	}

	if err := tool.Schema.Validate(req.Params); err != nil {
		perr := types.AsError(err)
		return d.rpcError(req, types.RPCInvalidParams, perr.Message, perr.Data())
	}

	result := d.execute(ctx, clientID, tool, req.Params)
	return types.NewResponse(req.ID, result)
}

// Invoke runs a registered tool outside the JSON-RPC envelope. Macro replay
// uses it so recorded steps pass through the same pre-flight chain as live
// requests.
func (d *Dispatcher) Invoke(ctx context.Context, clientID, name string, params json.RawMessage) *types.ToolResult {
	d.mu.RLock()
	tool, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		return failure(types.ProtocolError(types.CodeMethodNotFound, "unknown tool "+name), recovery.Outcome{}, 0, 0)
	}
	if err := tool.Schema.Validate(params); err != nil {
		return failure(types.AsError(err), recovery.Outcome{}, 0, 0)
	}
	return d.execute(ctx, clientID, tool, params)
}

// execute runs the pre-flight chain and the tool itself, producing the
// uniform tool result object.
func (d *Dispatcher) execute(ctx context.Context, clientID string, tool *Tool, params json.RawMessage) *types.ToolResult {
	if d.limiter != nil && !d.limiter.Allow(clientID, tool.OpClass) {
		return failure(types.SecurityError(types.CodeRateLimitExceeded,
			"rate limit exceeded for "+tool.OpClass).
			WithContext("operation", tool.OpClass), recovery.Outcome{}, 0, 0)
	}

	inv := &Invocation{ClientID: clientID, Params: params}

	if tool.SessionScoped {
		sessionID, err := peekString(params, "sessionId")
		if err != nil || sessionID == "" {
			return failure(types.ProtocolError(types.CodeInvalidParams, "sessionId is required"), recovery.Outcome{}, 0, 0)
		}
		sess, err := d.sessions.Get(sessionID)
		if err != nil {
			return failure(types.AsError(err), recovery.Outcome{}, 0, 0)
		}
		if sess.ClientID != clientID {
			return failure(types.SecurityError(types.CodeUnauthorized,
				"session belongs to another client").
				WithContext("sessionId", sessionID), recovery.Outcome{}, 0, 0)
		}
		inv.SessionID = sessionID
		inv.Session = sess
	}

	if tool.URLParam != "" && d.gate != nil {
		rawURL, err := peekString(params, tool.URLParam)
		if err == nil && rawURL != "" {
			domain, derr := domainOf(rawURL)
			if derr != nil {
				return failure(types.ProtocolError(types.CodeInvalidParams,
					"invalid URL in "+tool.URLParam).WithCause(derr), recovery.Outcome{}, 0, 0)
			}
			if domain != "" {
				// Avoid a typed-nil interface: a nil *session.Session must
				// reach the gate as a nil SessionGrants.
				var grants security.SessionGrants
				if inv.Session != nil {
					grants = inv.Session
				}
				granted, gerr := d.gate.CheckDomainAccess(ctx, domain, inv.SessionID, grants)
				if gerr != nil {
					return failure(types.AsError(gerr), recovery.Outcome{}, 0, 0)
				}
				if !granted {
					return failure(types.SecurityError(types.CodeDomainDenied,
						"access to "+domain+" was denied"), recovery.Outcome{}, 0, 0)
				}
			}
		}
	}

	opCtx, cancel, err := d.applyTimeout(ctx, params)
	if err != nil {
		return failure(types.AsError(err), recovery.Outcome{}, 0, 0)
	}
	defer cancel()

	var outcome recovery.Outcome
	res, err := d.sched.Submit(opCtx, clientID, tool.Priority, func(taskCtx context.Context) (any, error) {
		br := d.breakers.Get(tool.OpClass)
		if berr := br.Allow(); berr != nil {
			return nil, berr
		}

		var value any
		var opErr error
		value, outcome, opErr = d.engine.Execute(taskCtx, tool.OpClass, inv.SessionID, func(c context.Context) (any, error) {
			return tool.Handler(c, inv)
		})
		br.Record(opErr == nil)
		return value, opErr
	})

	metrics.RecordToolCall(tool.Name, tool.OpClass, err == nil, res.QueueWait, res.Exec)
	if outcome.Strategy != "" && outcome.Strategy != recovery.StrategyNone {
		metrics.RecordRecovery(string(outcome.Strategy), outcome.Recovered)
	}

	if err != nil {
		gerr := types.AsError(err)
		log.Debug().
			Str("tool", tool.Name).
			Str("client_id", clientID).
			Str("code", string(gerr.Code)).
			Msg("Tool call failed")
		return failure(gerr, outcome, res.QueueWait, res.Exec)
	}

	if tool.Recordable && d.recorder != nil && inv.SessionID != "" {
		d.recorder.Observe(inv.SessionID, tool.Name, params)
	}
	if inv.Session != nil && inv.Session.Tracing() {
		inv.Session.RecordTraceEvent(session.TraceEvent{
			Timestamp:  time.Now(),
			Tool:       tool.Name,
			DurationMS: res.Exec.Milliseconds(),
		})
	}

	return &types.ToolResult{
		Success:     true,
		Data:        res.Value,
		QueueWaitMS: res.QueueWait.Milliseconds(),
		ExecMS:      res.Exec.Milliseconds(),
		Recovered:   outcome.Recovered,
		Strategy:    strategyLabel(outcome),
		Attempts:    outcome.Attempts,
	}
}

// applyTimeout wraps ctx with the request's optional timeout (milliseconds).
func (d *Dispatcher) applyTimeout(ctx context.Context, params json.RawMessage) (context.Context, context.CancelFunc, error) {
	ms, ok, err := peekNumber(params, "timeout")
	if err != nil || !ok {
		return ctx, func() {}, nil
	}
	timeout := time.Duration(ms) * time.Millisecond
	if verr := security.ValidateTimeout(timeout); verr != nil {
		return nil, nil, types.ProtocolError(types.CodeInvalidParams, verr.Error())
	}
	c, cancel := context.WithTimeout(ctx, timeout)
	return c, cancel, nil
}

func (d *Dispatcher) resolvePermission(req *types.Request) *types.Response {
	var params struct {
		RequestID string `json:"requestId"`
		Granted   bool   `json:"granted"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.RequestID == "" {
		return d.rpcError(req, types.RPCInvalidParams, "requestId is required", nil)
	}
	resolved := d.gate.Resolve(params.RequestID, params.Granted)
	return types.NewResponse(req.ID, map[string]any{"resolved": resolved})
}

func (d *Dispatcher) rpcError(req *types.Request, code int, message string, data any) *types.Response {
	return types.NewErrorResponse(req.ID, code, message, data)
}

func failure(err *types.Error, outcome recovery.Outcome, queueWait, exec time.Duration) *types.ToolResult {
	return &types.ToolResult{
		Success:     false,
		Error:       err.Data(),
		QueueWaitMS: queueWait.Milliseconds(),
		ExecMS:      exec.Milliseconds(),
		Recovered:   false,
		Strategy:    strategyLabel(outcome),
		Attempts:    outcome.Attempts,
	}
}

func strategyLabel(o recovery.Outcome) string {
	if o.Strategy == "" || o.Strategy == recovery.StrategyNone {
		return ""
	}
	return string(o.Strategy)
}

// peekString extracts one string field from raw params without decoding the
// tool's full parameter struct.
func peekString(raw json.RawMessage, key string) (string, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	v, ok := m[key]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", err
	}
	return s, nil
}

func peekNumber(raw json.RawMessage, key string) (float64, bool, error) {
	if len(raw) == 0 {
		return 0, false, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0, false, err
	}
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	var n float64
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// hostlessSchemes never carry a host, so there is no domain to gate.
var hostlessSchemes = map[string]bool{
	"data":  true,
	"about": true,
}

// domainOf extracts the host (without port) from a URL string. Host-less
// schemes like data: and about: return an empty domain with no error.
func domainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if hostlessSchemes[strings.ToLower(u.Scheme)] {
		return "", nil
	}
	host := u.Hostname()
	if host == "" {
		return "", errors.New("URL has no host")
	}
	return strings.ToLower(host), nil
}
