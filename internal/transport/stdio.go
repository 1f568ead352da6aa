package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/browsergate/browsergate/internal/dispatch"
	"github.com/browsergate/browsergate/internal/types"
)

// stdioClientID names the single client a stdio transport serves.
const stdioClientID = "stdio"

// Lines beyond this are rejected rather than grown without bound.
const maxLineBytes = 10 << 20

// Stdio serves newline-framed JSON-RPC on a reader/writer pair, normally
// the process's stdin and stdout. One Stdio serves exactly one client.
type Stdio struct {
	d   *dispatch.Dispatcher
	hub *Hub
	in  io.Reader

	wmu sync.Mutex
	out io.Writer

	onDisconnect func(clientID string)
}

// NewStdio builds the transport and registers it with the hub so the single
// stdio client receives notifications.
func NewStdio(d *dispatch.Dispatcher, hub *Hub, in io.Reader, out io.Writer, onDisconnect func(string)) *Stdio {
	s := &Stdio{d: d, hub: hub, in: in, out: out, onDisconnect: onDisconnect}
	hub.Add(s)
	return s
}

// ID implements Conn.
func (s *Stdio) ID() string { return stdioClientID }

// Send writes one message as a single line. Implements Conn; the write
// mutex keeps concurrent responses and notifications ordered and unmixed.
func (s *Stdio) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	_, err = s.out.Write([]byte{'\n'})
	return err
}

// Run reads requests until EOF or ctx cancellation. Each request is
// dispatched on its own goroutine so a blocked call (e.g. one waiting on a
// permission prompt) never stalls the read loop; Run returns after all
// in-flight dispatches settle.
func (s *Stdio) Run(ctx context.Context) error {
	defer func() {
		s.hub.Remove(stdioClientID)
		if s.onDisconnect != nil {
			s.onDisconnect(stdioClientID)
		}
	}()

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	log.Info().Msg("Stdio transport ready")
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req types.Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = s.Send(types.NewErrorResponse(nil, types.RPCParseError, "parse error", nil))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := s.d.Dispatch(ctx, stdioClientID, &req); resp != nil {
				if err := s.Send(resp); err != nil {
					log.Error().Err(err).Msg("Stdio write failed")
				}
			}
		}()
	}
	return scanner.Err()
}
