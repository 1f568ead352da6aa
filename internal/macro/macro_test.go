package macro

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/browsergate/browsergate/internal/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewService(store)
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	m := &Macro{Name: "login-flow", Steps: []Step{
		{Tool: "browser.goto", Params: `{"sessionId":"s1","url":"https://example.com"}`},
		{Tool: "browser.click", Params: `{"sessionId":"s1","selector":"#submit"}`},
	}}
	if err := store.Save(m); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load("login-flow")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "login-flow" || len(got.Steps) != 2 {
		t.Fatalf("got = %+v", got)
	}
	if got.Steps[1].Tool != "browser.click" || got.Steps[1].Params != m.Steps[1].Params {
		t.Errorf("step 2 = %+v", got.Steps[1])
	}

	names, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "login-flow" {
		t.Errorf("names = %v", names)
	}

	existed, err := store.Delete("login-flow")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	existed, err = store.Delete("login-flow")
	if err != nil || existed {
		t.Errorf("second delete: existed=%v err=%v", existed, err)
	}
}

func TestStoreRejectsBadNames(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"", "../escape", "a/b", ".hidden", "with space"} {
		if err := store.Save(&Macro{Name: name}); err == nil {
			t.Errorf("Save(%q) accepted", name)
		}
		if _, err := store.Load(name); err == nil {
			t.Errorf("Load(%q) accepted", name)
		}
	}
}

func TestLoadMissingMacro(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Load("ghost")
	var terr *types.Error
	if !errors.As(err, &terr) || terr.Code != types.CodeInvalidParams {
		t.Fatalf("err = %v, want INVALID_PARAMS", err)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	svc := newTestService(t)

	if err := svc.StartRecording("s1", "checkout"); err != nil {
		t.Fatal(err)
	}
	if !svc.Recording("s1") {
		t.Fatal("s1 should be recording")
	}
	if err := svc.StartRecording("s1", "other"); err == nil {
		t.Fatal("second recording on same session should fail")
	}

	svc.Observe("s1", "browser.goto", json.RawMessage(`{"sessionId":"s1","url":"https://example.com"}`))
	svc.Observe("s1", "browser.click", json.RawMessage(`{"sessionId":"s1","selector":"#buy"}`))
	svc.Observe("s2", "browser.goto", json.RawMessage(`{}`)) // not recording, dropped

	m, err := svc.StopRecording("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Steps) != 2 || m.Steps[0].Tool != "browser.goto" {
		t.Fatalf("steps = %+v", m.Steps)
	}
	if svc.Recording("s1") {
		t.Error("recording should have stopped")
	}

	// Persisted and replayable.
	names, _ := svc.List()
	if len(names) != 1 || names[0] != "checkout" {
		t.Errorf("names = %v", names)
	}
}

func TestStopWithoutRecording(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.StopRecording("s1"); err == nil {
		t.Fatal("stop without start should fail")
	}
}

func TestAbandonDropsRecording(t *testing.T) {
	svc := newTestService(t)
	if err := svc.StartRecording("s1", "doomed"); err != nil {
		t.Fatal(err)
	}
	svc.Abandon("s1")
	if svc.Recording("s1") {
		t.Error("abandoned recording still active")
	}
	if names, _ := svc.List(); len(names) != 0 {
		t.Errorf("abandoned recording was persisted: %v", names)
	}
}

func TestPlayRetargetsSession(t *testing.T) {
	svc := newTestService(t)
	err := svc.store.Save(&Macro{Name: "nav", Steps: []Step{
		{Tool: "browser.goto", Params: `{"sessionId":"old","url":"https://example.com"}`},
		{Tool: "browser.click", Params: `{"sessionId":"old","selector":"#a"}`},
	}})
	if err != nil {
		t.Fatal(err)
	}

	type call struct {
		tool    string
		session string
	}
	var calls []call
	svc.SetExecutor(func(ctx context.Context, clientID, tool string, params json.RawMessage) *types.ToolResult {
		var p map[string]any
		if err := json.Unmarshal(params, &p); err != nil {
			t.Fatal(err)
		}
		calls = append(calls, call{tool: tool, session: p["sessionId"].(string)})
		return &types.ToolResult{Success: true}
	})

	res, err := svc.Play(context.Background(), "c1", "new-session", "nav")
	if err != nil {
		t.Fatal(err)
	}
	if res.Executed != 2 || res.FailedAt != 0 {
		t.Fatalf("res = %+v", res)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %+v", calls)
	}
	for i, c := range calls {
		if c.session != "new-session" {
			t.Errorf("step %d session = %s, want retargeted", i+1, c.session)
		}
	}
	if calls[0].tool != "browser.goto" || calls[1].tool != "browser.click" {
		t.Errorf("call order = %+v", calls)
	}
}

func TestPlayStopsAtFirstFailure(t *testing.T) {
	svc := newTestService(t)
	err := svc.store.Save(&Macro{Name: "flaky", Steps: []Step{
		{Tool: "browser.goto", Params: `{"sessionId":"s"}`},
		{Tool: "browser.click", Params: `{"sessionId":"s"}`},
		{Tool: "browser.type", Params: `{"sessionId":"s"}`},
	}})
	if err != nil {
		t.Fatal(err)
	}

	n := 0
	svc.SetExecutor(func(ctx context.Context, clientID, tool string, params json.RawMessage) *types.ToolResult {
		n++
		if n == 2 {
			return &types.ToolResult{Success: false, Error: map[string]any{"code": "ELEMENT_NOT_FOUND"}}
		}
		return &types.ToolResult{Success: true}
	})

	res, err := svc.Play(context.Background(), "c1", "s2", "flaky")
	if err == nil {
		t.Fatal("expected failure")
	}
	if res.Executed != 1 || res.FailedAt != 2 {
		t.Errorf("res = %+v", res)
	}
	if n != 2 {
		t.Errorf("executor called %d times, want 2", n)
	}
}

func TestPlayWithoutExecutor(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Play(context.Background(), "c1", "s1", "anything")
	if err == nil {
		t.Fatal("Play without an executor should fail")
	}
	ge := types.AsError(err)
	if ge.Category != types.CategoryProtocol || ge.Code != types.CodeInternalError {
		t.Errorf("got %s/%s, want protocol/INTERNAL_ERROR", ge.Category, ge.Code)
	}
}
