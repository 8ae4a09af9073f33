// Package session implements the exchange session manager (spec §4.1): one
// Session owns exactly one physical WebSocket connection to a venue, applies
// that venue's keep-alive/reconnect Policy, and hands every inbound frame to
// a caller-supplied callback after a single, venue-agnostic envelope unwrap.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/xerrors"
)

var errTransient = xerrors.ErrTransientNetwork

// Frame is one inbound message, already envelope-unwrapped.
type Frame struct {
	Channel    string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler receives frames and terminal errors from a Session.
type Handler struct {
	OnFrame func(Frame)
	OnError func(error)
}

// Dialer opens the transport. Production code uses DefaultDialer (gorilla);
// tests substitute a loopback-server-backed dialer via
// internal/testutil/fakevenue.
type Dialer interface {
	Dial(ctx context.Context, url string, header map[string][]string) (*websocket.Conn, error)
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, url string, header map[string][]string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	return conn, err
}

// DefaultDialer dials a real venue over TLS.
var DefaultDialer Dialer = gorillaDialer{}

// Session manages one physical connection and its keep-alive cadence.
type Session struct {
	Venue   string
	URL     string
	Policy  Policy
	Dialer  Dialer
	Logger  zerolog.Logger
	Handler Handler

	// Subscribe is invoked after every successful dial to send the venue's
	// subscribe frames. Connect calls it whatever the policy's Resubscribe
	// style is.
	Subscribe func(conn *websocket.Conn) error

	mu          sync.Mutex
	conn        *websocket.Conn
	connectedAt time.Time
	lastFrameAt atomic.Int64 // unix nanos
	closed      atomic.Bool
}

// Connect dials, subscribes, and starts the read/keepalive loops. It blocks
// until ctx is canceled or an unrecoverable error occurs, at which point it
// returns that error (callers typically wrap Connect in a reconnect loop).
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("session %s: dial: %w", s.Venue, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connectedAt = time.Now()
	s.mu.Unlock()
	s.lastFrameAt.Store(time.Now().UnixNano())

	if s.Subscribe != nil {
		if err := s.Subscribe(conn); err != nil {
			conn.Close()
			return fmt.Errorf("session %s: subscribe: %w", s.Venue, err)
		}
	}

	errCh := make(chan error, 2)
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.readLoop(readCtx, conn, errCh)
	if s.Policy.PingInterval > 0 {
		go s.pingLoop(readCtx, conn, errCh)
	}

	select {
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case err := <-errCh:
		conn.Close()
		return err
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}
	return dialer.Dial(ctx, s.URL, nil)
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	defer func() {
		if r := recover(); r != nil {
			s.emitError(fmt.Errorf("session %s: read loop panic: %v", s.Venue, r))
		}
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		if s.Policy.InactivityTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.Policy.InactivityTimeout))
		}
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			errCh <- fmt.Errorf("%w: %s read: %v", errTransient, s.Venue, err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		now := time.Now()
		s.lastFrameAt.Store(now.UnixNano())

		if isKeepAliveEcho(s.Policy, raw) {
			continue
		}

		channel, payload := Unwrap(raw)
		if s.Handler.OnFrame != nil {
			s.Handler.OnFrame(Frame{Channel: channel, Payload: payload, ReceivedAt: now})
		}
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	ticker := time.NewTicker(s.Policy.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if s.Policy.PingPayload != nil {
				err = conn.WriteMessage(websocket.TextMessage, s.Policy.PingPayload)
			} else {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			if err != nil {
				errCh <- fmt.Errorf("%w: %s ping: %v", errTransient, s.Venue, err)
				return
			}
		}
	}
}

func isKeepAliveEcho(p Policy, raw []byte) bool {
	if p.PingPayload == nil {
		return false
	}
	s := string(raw)
	return s == "pong" || s == `{"jsonrpc":"2.0","result":"pong"}`
}

// LastFrameAt returns the time of the most recent inbound frame.
func (s *Session) LastFrameAt() time.Time {
	return time.Unix(0, s.lastFrameAt.Load())
}

// Age returns how long the current physical connection has been open.
func (s *Session) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectedAt.IsZero() {
		return 0
	}
	return time.Since(s.connectedAt)
}

// WriteJSON sends a control frame (subscribe/unsubscribe) on the current
// connection. Safe to call concurrently with the read loop.
func (s *Session) WriteJSON(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session %s: not connected", s.Venue)
	}
	return conn.WriteJSON(v)
}

func (s *Session) emitError(err error) {
	if s.Handler.OnError != nil {
		s.Handler.OnError(err)
	}
}

// Close marks the session closed and releases its connection.
func (s *Session) Close() error {
	s.closed.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
