package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/browsergate/browsergate/internal/breaker"
	"github.com/browsergate/browsergate/internal/dispatch"
	"github.com/browsergate/browsergate/internal/recovery"
	"github.com/browsergate/browsergate/internal/scheduler"
	"github.com/browsergate/browsergate/internal/types"
)

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	sched := scheduler.New(scheduler.Config{Concurrency: 4, PerClient: 4})
	t.Cleanup(sched.Close)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	d := dispatch.New(dispatch.Deps{
		Breakers: breakers,
		Engine:   recovery.NewEngine(nil, breakers),
		Sched:    sched,
	})
	d.Register(&dispatch.Tool{
		Name:    "test.echo",
		OpClass: "query",
		Schema: dispatch.Schema{
			Properties: map[string]dispatch.ParamType{"value": dispatch.TypeString},
			Required:   []string{"value"},
		},
		Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
			var p struct {
				Value string `json:"value"`
			}
			if err := json.Unmarshal(inv.Params, &p); err != nil {
				return nil, err
			}
			return p.Value, nil
		},
	})
	return d
}

func runStdio(t *testing.T, input string) ([]map[string]any, bool) {
	t.Helper()

	var out bytes.Buffer
	disconnected := false
	hub := NewHub()
	s := NewStdio(newTestDispatcher(t), hub, strings.NewReader(input), &out,
		func(string) { disconnected = true })

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var msgs []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("output line %q is not JSON: %v", line, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, disconnected
}

func TestStdioRequestResponse(t *testing.T) {
	msgs, disconnected := runStdio(t,
		`{"jsonrpc":"2.0","id":1,"method":"test.echo","params":{"value":"hi"}}`+"\n")

	if len(msgs) != 1 {
		t.Fatalf("messages = %v", msgs)
	}
	result := msgs[0]["result"].(map[string]any)
	if result["success"] != true || result["data"] != "hi" {
		t.Errorf("result = %v", result)
	}
	if !disconnected {
		t.Error("EOF should trigger the disconnect callback")
	}
}

func TestStdioParseError(t *testing.T) {
	msgs, _ := runStdio(t, "this is not json\n")

	if len(msgs) != 1 {
		t.Fatalf("messages = %v", msgs)
	}
	rpcErr := msgs[0]["error"].(map[string]any)
	if int(rpcErr["code"].(float64)) != types.RPCParseError {
		t.Errorf("error = %v, want parse error", rpcErr)
	}
}

func TestStdioNotificationProducesNoResponse(t *testing.T) {
	msgs, _ := runStdio(t,
		`{"jsonrpc":"2.0","method":"test.echo","params":{"value":"hi"}}`+"\n")

	if len(msgs) != 0 {
		t.Errorf("notification produced output: %v", msgs)
	}
}

func TestStdioSkipsBlankLines(t *testing.T) {
	msgs, _ := runStdio(t,
		"\n\n"+`{"jsonrpc":"2.0","id":7,"method":"test.echo","params":{"value":"x"}}`+"\n\n")

	if len(msgs) != 1 {
		t.Fatalf("messages = %v", msgs)
	}
	if msgs[0]["id"].(float64) != 7 {
		t.Errorf("id = %v", msgs[0]["id"])
	}
}

func TestStdioHubDelivery(t *testing.T) {
	var out bytes.Buffer
	hub := NewHub()
	NewStdio(newTestDispatcher(t), hub, strings.NewReader(""), &out, nil)

	hub.NotifyClient(stdioClientID, types.NotifyConsoleLog, map[string]any{"sessionId": "s1"})

	var n map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &n); err != nil {
		t.Fatalf("notification not written: %v", err)
	}
	if n["method"] != types.NotifyConsoleLog {
		t.Errorf("notification = %v", n)
	}
}
