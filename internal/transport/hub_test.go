package transport

import (
	"sync"
	"testing"

	"github.com/browsergate/browsergate/internal/types"
)

type fakeConn struct {
	id string

	mu   sync.Mutex
	msgs []*types.Notification
	fail error
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.msgs = append(c.msgs, msg.(*types.Notification))
	return nil
}

func (c *fakeConn) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Method
	}
	return out
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	hub := NewHub()
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	hub.Add(a)
	hub.Add(b)

	hub.Broadcast(types.NotifyToolRegistered, map[string]any{"name": "x"})
	hub.Broadcast(types.NotifyToolUnregistered, map[string]any{"name": "x"})

	for _, c := range []*fakeConn{a, b} {
		got := c.methods()
		if len(got) != 2 || got[0] != types.NotifyToolRegistered || got[1] != types.NotifyToolUnregistered {
			t.Errorf("conn %s got %v, want ordered pair", c.id, got)
		}
	}
}

func TestNotifyClientTargetsOneConnection(t *testing.T) {
	hub := NewHub()
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	hub.Add(a)
	hub.Add(b)

	hub.NotifyClient("a", types.NotifyConsoleLog, map[string]any{"sessionId": "s"})

	if got := a.methods(); len(got) != 1 {
		t.Errorf("a got %v", got)
	}
	if got := b.methods(); len(got) != 0 {
		t.Errorf("b got %v, should not receive targeted notification", got)
	}
}

func TestNotifyClientUnknownIsNoop(t *testing.T) {
	hub := NewHub()
	hub.NotifyClient("ghost", types.NotifyConsoleLog, nil)
}

func TestRemoveStopsDelivery(t *testing.T) {
	hub := NewHub()
	a := &fakeConn{id: "a"}
	hub.Add(a)
	hub.Remove("a")
	hub.Remove("a") // idempotent

	hub.Broadcast(types.NotifyConsoleLog, nil)
	if got := a.methods(); len(got) != 0 {
		t.Errorf("removed conn got %v", got)
	}
	if hub.Len() != 0 {
		t.Errorf("len = %d", hub.Len())
	}
}

func TestNotifyIsBroadcast(t *testing.T) {
	hub := NewHub()
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	hub.Add(a)
	hub.Add(b)

	// The gate publishes permission prompts through this path.
	hub.Notify(types.NotifyPermissionRequested, map[string]any{"id": "p1"})

	if len(a.methods()) != 1 || len(b.methods()) != 1 {
		t.Error("permission prompt should fan out to every client")
	}
}
