// Package transport carries JSON-RPC 2.0 between clients and the
// dispatcher: newline-framed messages on stdio and one message per text
// frame on WebSocket. Logs go to stderr only; stdout belongs to the
// protocol.
package transport

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/browsergate/browsergate/internal/types"
)

// Conn is one connected client from the hub's point of view. Send must
// preserve call order per connection; implementations serialize writes.
type Conn interface {
	ID() string
	Send(msg any) error
}

// Hub is the registry of live client connections. It fans notifications out
// to everyone (Broadcast) or to one client (NotifyClient), and doubles as
// the notifier the security gate and the session manager publish through.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]Conn)}
}

// Add registers a connection under its client ID.
func (h *Hub) Add(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
}

// Remove drops a connection. Idempotent.
func (h *Hub) Remove(clientID string) {
	h.mu.Lock()
	delete(h.conns, clientID)
	h.mu.Unlock()
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends a notification to every connected client.
func (h *Hub) Broadcast(method string, params any) {
	n := types.NewNotification(method, params)

	h.mu.RLock()
	conns := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(n); err != nil {
			log.Debug().Err(err).Str("client_id", c.ID()).Str("method", method).
				Msg("Notification dropped")
		}
	}
}

// NotifyClient sends a notification to a single client. Unknown clients are
// a no-op: the session may outlive a reconnecting transport briefly.
func (h *Hub) NotifyClient(clientID, method string, params any) {
	h.mu.RLock()
	c, ok := h.conns[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.Send(types.NewNotification(method, params)); err != nil {
		log.Debug().Err(err).Str("client_id", clientID).Str("method", method).
			Msg("Notification dropped")
	}
}

// Notify broadcasts, satisfying the security gate's notifier: permission
// prompts go to every connected client so any attached UI can answer.
func (h *Hub) Notify(method string, params any) {
	h.Broadcast(method, params)
}
