package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/browsergate/browsergate/internal/dispatch"
	"github.com/browsergate/browsergate/internal/types"
)

// ServerConfig sizes the WebSocket transport.
type ServerConfig struct {
	Host              string
	Port              int
	Timeout           time.Duration
	MaxConnections    int
	EnableHealthCheck bool
}

// HealthFunc supplies the /healthz payload.
type HealthFunc func() map[string]any

// Server accepts WebSocket clients on /mcp, one JSON-RPC message per text
// frame. Each connection is its own client: its sessions die with it.
type Server struct {
	cfg    ServerConfig
	d      *dispatch.Dispatcher
	hub    *Hub
	health HealthFunc

	onDisconnect func(clientID string)
	upgrader     websocket.Upgrader
	httpServer   *http.Server
	active       atomic.Int64
}

// NewServer builds the WebSocket transport.
func NewServer(cfg ServerConfig, d *dispatch.Dispatcher, hub *Hub, health HealthFunc, onDisconnect func(string)) *Server {
	s := &Server{
		cfg:          cfg,
		d:            d,
		hub:          hub,
		health:       health,
		onDisconnect: onDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway binds loopback by default; clients are local
			// tooling, not browsers, so origin checks stay permissive.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleWS)
	if cfg.EnableHealthCheck {
		mux.HandleFunc("/healthz", s.handleHealth)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  0, // WebSocket connections are long-lived
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving connections until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("WebSocket transport ready")
	return s.httpServer.ListenAndServe()
}

// Shutdown closes the listener and drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && s.active.Load() >= int64(s.cfg.MaxConnections) {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	s.active.Add(1)
	clientID := uuid.NewString()
	wc := &wsConn{id: clientID, conn: conn}
	s.hub.Add(wc)

	log.Info().Str("client_id", clientID).Str("remote", r.RemoteAddr).Msg("Client connected")
	go s.readLoop(wc)
}

// readLoop pumps one connection. Each request dispatches on its own
// goroutine so a blocked call never stalls the frame reader; the write side
// is serialized inside wsConn.
func (s *Server) readLoop(wc *wsConn) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	defer func() {
		cancel()
		wg.Wait()
		wc.Close()
		s.hub.Remove(wc.id)
		s.active.Add(-1)
		if s.onDisconnect != nil {
			s.onDisconnect(wc.id)
		}
		log.Info().Str("client_id", wc.id).Msg("Client disconnected")
	}()

	for {
		kind, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("client_id", wc.id).Msg("Read error")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var req types.Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = wc.Send(types.NewErrorResponse(nil, types.RPCParseError, "parse error", nil))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := s.d.Dispatch(ctx, wc.id, &req); resp != nil {
				if err := wc.Send(resp); err != nil {
					log.Debug().Err(err).Str("client_id", wc.id).Msg("Write failed")
				}
			}
		}()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok"}
	if s.health != nil {
		payload = s.health()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// wsConn wraps one gorilla connection with serialized writes, keeping
// responses and notifications ordered per connection.
type wsConn struct {
	id   string
	conn *websocket.Conn

	wmu    sync.Mutex
	closed bool
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
}
