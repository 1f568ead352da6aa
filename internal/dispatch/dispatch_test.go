package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/browsergate/browsergate/internal/breaker"
	"github.com/browsergate/browsergate/internal/recovery"
	"github.com/browsergate/browsergate/internal/scheduler"
	"github.com/browsergate/browsergate/internal/security"
	"github.com/browsergate/browsergate/internal/types"
)

type captureHub struct {
	mu      sync.Mutex
	methods []string
}

func (h *captureHub) Broadcast(method string, params any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods = append(h.methods, method)
}

func newTestDispatcher(t *testing.T, gate *security.Gate, limiter *security.Limiter) *Dispatcher {
	t.Helper()

	sched := scheduler.New(scheduler.Config{Concurrency: 4, PerClient: 4})
	t.Cleanup(sched.Close)

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	return New(Deps{
		Gate:     gate,
		Limiter:  limiter,
		Breakers: breakers,
		Engine:   recovery.NewEngine(nil, breakers),
		Sched:    sched,
		Hub:      &captureHub{},
	})
}

func request(method string, params string) *types.Request {
	req := &types.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return req
}

func echoTool(name string) *Tool {
	return &Tool{
		Name:    name,
		OpClass: "query",
		Schema: Schema{
			Properties: map[string]ParamType{"value": TypeString},
			Required:   []string{"value"},
		},
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			v, _ := peekString(inv.Params, "value")
			return v, nil
		},
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)

	resp := d.Dispatch(context.Background(), "c1", request("no.such.tool", `{}`))
	if resp.Error == nil || resp.Error.Code != types.RPCMethodNotFound {
		t.Fatalf("resp = %+v, want method-not-found", resp)
	}
}

func TestDispatchInvalidParams(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)
	d.Register(echoTool("test.echo"))

	resp := d.Dispatch(context.Background(), "c1", request("test.echo", `{}`))
	if resp.Error == nil || resp.Error.Code != types.RPCInvalidParams {
		t.Fatalf("resp = %+v, want invalid-params", resp)
	}

	resp = d.Dispatch(context.Background(), "c1", request("test.echo", `{"value": 7}`))
	if resp.Error == nil || resp.Error.Code != types.RPCInvalidParams {
		t.Fatalf("resp = %+v, want type mismatch rejection", resp)
	}
}

func TestDispatchSuccess(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)
	d.Register(echoTool("test.echo"))

	resp := d.Dispatch(context.Background(), "c1", request("test.echo", `{"value":"hello"}`))
	if resp.Error != nil {
		t.Fatalf("rpc error: %+v", resp.Error)
	}
	result, ok := resp.Result.(*types.ToolResult)
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}
	if !result.Success || result.Data != "hello" {
		t.Errorf("result = %+v", result)
	}
	if result.Attempts != 1 || result.Recovered {
		t.Errorf("clean call outcome = %+v", result)
	}
}

func TestDispatchToolFailure(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)
	d.Register(&Tool{
		Name:    "test.deny",
		OpClass: "navigation",
		Schema:  Schema{},
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			return nil, types.SecurityError(types.CodeDomainDenied, "nope")
		},
	})

	resp := d.Dispatch(context.Background(), "c1", request("test.deny", `{}`))
	result := resp.Result.(*types.ToolResult)
	if result.Success {
		t.Fatal("expected failure result")
	}
	if result.Error["code"] != "DOMAIN_DENIED" {
		t.Errorf("error = %v", result.Error)
	}
}

func TestDispatchRecovery(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)

	calls := 0
	d.Register(&Tool{
		Name:    "test.flaky",
		OpClass: "navigation",
		Schema:  Schema{},
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			calls++
			if calls == 1 {
				return nil, types.BrowserError(types.CodeTimeout, "slow")
			}
			return "done", nil
		},
	})

	resp := d.Dispatch(context.Background(), "c1", request("test.flaky", `{}`))
	result := resp.Result.(*types.ToolResult)
	if !result.Success || !result.Recovered {
		t.Fatalf("result = %+v, want recovered success", result)
	}
	if result.Strategy != "RETRY" || result.Attempts != 2 {
		t.Errorf("strategy=%s attempts=%d", result.Strategy, result.Attempts)
	}
}

func TestDispatchRateLimit(t *testing.T) {
	limiter := security.NewLimiter(security.LimiterConfig{
		PerWindow: 1,
		Window:    time.Minute,
		PerHour:   100,
	})
	t.Cleanup(limiter.Close)

	d := newTestDispatcher(t, nil, limiter)
	d.Register(echoTool("test.echo"))

	resp := d.Dispatch(context.Background(), "c1", request("test.echo", `{"value":"a"}`))
	if !resp.Result.(*types.ToolResult).Success {
		t.Fatal("first call should pass")
	}

	resp = d.Dispatch(context.Background(), "c1", request("test.echo", `{"value":"b"}`))
	result := resp.Result.(*types.ToolResult)
	if result.Success || result.Error["code"] != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("result = %+v, want RATE_LIMIT_EXCEEDED", result)
	}

	// A different client is unaffected.
	resp = d.Dispatch(context.Background(), "c2", request("test.echo", `{"value":"c"}`))
	if !resp.Result.(*types.ToolResult).Success {
		t.Error("other client should not share the bucket")
	}
}

func TestDispatchDomainCheck(t *testing.T) {
	gate := security.NewGate(security.GateConfig{
		AllowedDomains:    []string{"example.com"},
		PermissionTimeout: 50 * time.Millisecond,
	}, nil)

	d := newTestDispatcher(t, gate, nil)
	d.Register(&Tool{
		Name:     "test.goto",
		OpClass:  "navigation",
		URLParam: "url",
		Schema:   Schema{Properties: map[string]ParamType{"url": TypeString}, Required: []string{"url"}},
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			return "navigated", nil
		},
	})

	resp := d.Dispatch(context.Background(), "c1", request("test.goto", `{"url":"https://example.com/x"}`))
	if !resp.Result.(*types.ToolResult).Success {
		t.Fatal("allowlisted domain should pass")
	}

	resp = d.Dispatch(context.Background(), "c1", request("test.goto", `{"url":"https://blocked.test/"}`))
	result := resp.Result.(*types.ToolResult)
	if result.Success {
		t.Fatal("unlisted domain should not pass without approval")
	}
	if code := result.Error["code"]; code != "PERMISSION_TIMEOUT" && code != "DOMAIN_DENIED" {
		t.Errorf("error code = %v", code)
	}
}

func TestDispatchHostlessURLsSkipDomainCheck(t *testing.T) {
	gate := security.NewGate(security.GateConfig{
		AllowedDomains:    []string{"example.com"},
		PermissionTimeout: 50 * time.Millisecond,
	}, nil)

	d := newTestDispatcher(t, gate, nil)
	d.Register(&Tool{
		Name:     "test.goto",
		OpClass:  "navigation",
		URLParam: "url",
		Schema:   Schema{Properties: map[string]ParamType{"url": TypeString}, Required: []string{"url"}},
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			return "navigated", nil
		},
	})

	for _, rawURL := range []string{"data:text/html,<h1>hi</h1>", "about:blank"} {
		resp := d.Dispatch(context.Background(), "c1", request("test.goto", `{"url":"`+rawURL+`"}`))
		result := resp.Result.(*types.ToolResult)
		if !result.Success {
			t.Errorf("%s rejected: %v", rawURL, result.Error)
		}
	}

	// A hostful scheme still needs a host.
	resp := d.Dispatch(context.Background(), "c1", request("test.goto", `{"url":"http://"}`))
	result := resp.Result.(*types.ToolResult)
	if result.Success || result.Error["code"] != "INVALID_PARAMS" {
		t.Errorf("result = %+v, want INVALID_PARAMS", result)
	}
}

func TestDispatchNotificationReturnsNil(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)
	d.Register(echoTool("test.echo"))

	req := &types.Request{JSONRPC: "2.0", Method: "test.echo", Params: json.RawMessage(`{"value":"x"}`)}
	if resp := d.Dispatch(context.Background(), "c1", req); resp != nil {
		t.Errorf("notification produced a response: %+v", resp)
	}
}

func TestToolsList(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)
	d.Register(echoTool("b.tool"))
	d.Register(echoTool("a.tool"))

	resp := d.Dispatch(context.Background(), "c1", request("tools/list", ""))
	tools := resp.Result.(map[string]any)["tools"].([]map[string]any)
	if len(tools) != 2 || tools[0]["name"] != "a.tool" {
		t.Errorf("tools = %v, want sorted by name", tools)
	}
}

func TestRegisterBroadcasts(t *testing.T) {
	hub := &captureHub{}
	sched := scheduler.New(scheduler.Config{Concurrency: 1, PerClient: 1})
	t.Cleanup(sched.Close)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	d := New(Deps{Breakers: breakers, Engine: recovery.NewEngine(nil, breakers), Sched: sched, Hub: hub})

	d.Register(echoTool("test.echo"))
	d.Unregister("test.echo")

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.methods) != 2 ||
		hub.methods[0] != types.NotifyToolRegistered ||
		hub.methods[1] != types.NotifyToolUnregistered {
		t.Errorf("broadcasts = %v", hub.methods)
	}
}

func TestPermissionResolveUnknown(t *testing.T) {
	gate := security.NewGate(security.GateConfig{PermissionTimeout: time.Second}, nil)
	d := newTestDispatcher(t, gate, nil)

	resp := d.Dispatch(context.Background(), "c1", request("permission.resolve", `{"requestId":"ghost","granted":true}`))
	if resp.Result.(map[string]any)["resolved"] != false {
		t.Errorf("result = %+v, want resolved=false", resp.Result)
	}
}

func TestDispatchTimeoutParamValidation(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)
	d.Register(echoTool("test.echo"))

	resp := d.Dispatch(context.Background(), "c1", request("test.echo", `{"value":"x","timeout":50}`))
	result := resp.Result.(*types.ToolResult)
	if result.Success {
		t.Fatal("50ms timeout is below the 1s floor and should be rejected")
	}
	if result.Error["code"] != "INVALID_PARAMS" {
		t.Errorf("error = %v", result.Error)
	}
}
